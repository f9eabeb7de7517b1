/*
Package peerwire implements the per-connection state machine of the BitTorrent
peer wire protocol: handshaking, choke/interest negotiation, request
book-keeping with timeouts and end-game handling, bandwidth-gated reads and
writes, and asynchronous disk hand-off.

The package deliberately stops at the connection boundary. Piece selection,
disk job execution, session settings and the event consumer are collaborators
passed in by the caller; see PiecePicker, DiskIO, Settings and the alerts
package.
*/
package peerwire
