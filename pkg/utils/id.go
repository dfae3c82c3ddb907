package utils

// id prefixes passed to guid.New
const (
	ConnectionPrefix = "CO_"
	NodePrefix       = "ND_"
)
