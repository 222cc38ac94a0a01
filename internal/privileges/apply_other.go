//go:build !linux

package privileges

func Apply(Plan) error { return ErrUnsupported }

func Exec(Plan, []string) error { return ErrUnsupported }
