package main

type exitError struct {
	code    int
	message string
}

func (e exitError) Error() string {
	return e.message
}
