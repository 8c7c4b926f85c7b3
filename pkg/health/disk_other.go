//go:build !linux && !darwin

package health

func diskSpace(string) (uint64, uint64, error) {
	return 0, 0, errUnsupported
}
