// +build tools

package tools

// Pins the versions of the linter and the ginkgo runner that CI
// invokes, so go mod tidy never drops them.
// https://github.com/golang/go/wiki/Modules#how-can-i-track-tool-dependencies-for-a-module
import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/onsi/ginkgo/ginkgo"
)
