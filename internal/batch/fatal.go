package batch

import "strings"

// FatalFaultDiagnostic is the fixed error recorded on a file that hit an
// accelerator fault. The real cause goes to the log; the stored message stays
// stable so UIs can special-case it.
const FatalFaultDiagnostic = "GPU error - model reloaded"

// FatalPredicate decides whether a transcription failure indicates a
// corrupted accelerator context. Fatal failures skip retries and trigger a
// session reload instead.
type FatalPredicate func(errorMessage string) bool

var fatalSubstrings = []string{
	"CUDA",
	"illegal memory access",
}

// DefaultFatalPredicate matches the known accelerator/driver fault patterns.
func DefaultFatalPredicate(errorMessage string) bool {
	for _, pattern := range fatalSubstrings {
		if strings.Contains(errorMessage, pattern) {
			return true
		}
	}
	return false
}
