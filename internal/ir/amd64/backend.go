package amd64

import "github.com/tinyrange/tracejit/internal/backend"

type amd64Backend struct{}

func init() {
	backend.Register("amd64", amd64Backend{})
}

func (amd64Backend) Compile(req *backend.Request) (*backend.Result, error) {
	return Compile(req)
}
