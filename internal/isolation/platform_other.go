//go:build !linux

package isolation

import "errors"

func newPlatformIsolator() (Isolator, error) {
	return nil, errors.New("kernel isolation requires linux")
}
