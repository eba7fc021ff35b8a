// Package session implements the connection manager that sits between a chat
// front end and the real-time room engine. It loads the external engine once,
// joins the configured room, and falls back to a scripted simulated room when
// the engine is unavailable or refuses the join, so consumers see the same
// events whichever backend is active.
//
// A Manager is created by the application's composition root and handed to
// the consumers that need it. It serves one chat session: once destroyed it
// stays destroyed.
package session
