// Package matrix connects the relay to a Matrix homeserver.
//
// The Bridge syncs room events and submits text messages as relay turns.
// Replies go out through Destination, which places them in the thread rooted
// at the user's message, renders markdown into formatted_body and uploads
// attachments as m.file events. Client also implements platform.Directory so
// batch runs can address a room or thread by id.
package matrix
