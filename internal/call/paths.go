package call

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	offerCandidates  = "offerCandidates"
	answerCandidates = "answerCandidates"
)

func recordPath(root, callID string) string { return signal.Join(root, callID) }

// candidatePath returns where role publishes its own candidates.
func candidatePath(root, callID string, role Role) string {
	if role == RoleCaller {
		return signal.Join(root, callID, offerCandidates)
	}
	return signal.Join(root, callID, answerCandidates)
}

// peerCandidatePath returns where the other party publishes.
func peerCandidatePath(root, callID string, role Role) string {
	if role == RoleCaller {
		return candidatePath(root, callID, RoleCallee)
	}
	return candidatePath(root, callID, RoleCaller)
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newCallID returns "call_<unix ms>_<5 random base36 chars>".
func newCallID() string {
	suffix := make([]byte, 5)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			suffix[i] = idAlphabet[time.Now().UnixNano()%int64(len(idAlphabet))]
			continue
		}
		suffix[i] = idAlphabet[n.Int64()]
	}
	return fmt.Sprintf("call_%d_%s", time.Now().UnixMilli(), suffix)
}
