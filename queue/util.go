package queue

import (
	"math/rand"
)

const randASCII = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randASCII[rand.Intn(len(randASCII))]
	}
	return string(b)
}

// ProbeClientID is a client id for short-lived diagnostic connections. The
// broker drops an existing session when a second one logs in with the same
// id, so probes must not reuse DefaultClientID.
func ProbeClientID(serial string) string {
	return DefaultClientID(serial) + "_probe_" + randomString(6)
}
