package service

// Unit is the empty response type for services whose useful work is a side
// effect, such as serving a connection to completion.
type Unit struct{}
