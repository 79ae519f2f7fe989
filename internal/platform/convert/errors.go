package convert

import (
	"fmt"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// SizeBudgetError reports a render that does not fit its transport. The
// payload is never truncated; callers get the error and no bytes.
type SizeBudgetError struct {
	Format Format
	Size   int
	Limit  int
}

func (e *SizeBudgetError) Error() string {
	return fmt.Sprintf("convert: %s payload is %d bytes, QR limit is %d", e.Format, e.Size, e.Limit)
}

func (e *SizeBudgetError) Unwrap() error {
	return ipsmodel.ErrSizeBudgetExceeded
}
