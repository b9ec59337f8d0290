// Package types provides core types shared across the devfleet coordinator.
// This package has ZERO dependencies on other devfleet packages to avoid
// circular imports. All other packages should import types from here.
package types
