package service

// Server is a front end exposing a target to one client.
type Server interface {
	// Run starts accepting the client in the background.
	Run()
	// Stop closes the listener and the client connection.
	Stop()
}
