//go:build !linux

package cat

func openSerial(string) (Port, error) {
	return nil, ErrUnsupported
}
