package fuse

import (
	"syscall"
	"testing"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

func TestToErrnoNilIsSuccess(t *testing.T) {
	if got := toErrno(nil); got != 0 {
		t.Errorf("toErrno(nil) = %v, want 0", got)
	}
}

func TestToErrnoMapsKnownCodes(t *testing.T) {
	cases := []struct {
		code errors.Code
		want syscall.Errno
	}{
		{errors.NotFound, syscall.ENOENT},
		{errors.AlreadyExists, syscall.EEXIST},
		{errors.PermissionDenied, syscall.EACCES},
		{errors.QuotaExceeded, syscall.EDQUOT},
		{errors.InvalidArgument, syscall.EINVAL},
		{errors.NotEmpty, syscall.ENOTEMPTY},
		{errors.CrossDevice, syscall.EXDEV},
	}
	for _, c := range cases {
		err := errors.New(c.code, "boom")
		if got := toErrno(err); got != c.want {
			t.Errorf("toErrno(%s) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestToErrnoUnmappedCodeFallsBackToEIO(t *testing.T) {
	err := errors.New(errors.Internal, "boom")
	if got := toErrno(err); got != syscall.EIO {
		t.Errorf("toErrno(Internal) = %v, want EIO", got)
	}
}
