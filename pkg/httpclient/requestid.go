package httpclient

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDSuffixLen = 9

// NewRequestID returns an id of the form req_<unix millis>_<9 base36 chars>.
func NewRequestID(now time.Time) string {
	id := uuid.New()
	suffix := new(big.Int).SetBytes(id[:]).Text(36)
	if len(suffix) < requestIDSuffixLen {
		suffix = strings.Repeat("0", requestIDSuffixLen-len(suffix)) + suffix
	}
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), suffix[len(suffix)-requestIDSuffixLen:])
}
