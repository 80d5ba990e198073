// Package relay keeps track of which connections are in which room and fans
// messages out to the other members of a room.
package relay
