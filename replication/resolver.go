package replication

import (
	"fmt"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/codec"
)

type Verdict byte

const (
	KeepMine Verdict = iota
	KeepTheirs
	KeepMerged
)

var verdictNames = []string{"KeepMine", "KeepTheirs", "KeepMerged"}

func (v Verdict) String() string {
	if int(v) >= len(verdictNames) {
		return fmt.Sprintf("Verdict(%d)", byte(v))
	}
	return verdictNames[v]
}

// Resolution is a resolver's answer; Merged is the body to store for
// KeepMerged.
type Resolution struct {
	Verdict Verdict
	Merged  *codec.Value
}

// Resolver decides between the local and the remote revision of a
// document whose chains have diverged.
type Resolver func(key string, mine *lounge.Document, theirs *RemoteDoc) Resolution

func ResolveMine(string, *lounge.Document, *RemoteDoc) Resolution {
	return Resolution{Verdict: KeepMine}
}

func ResolveTheirs(string, *lounge.Document, *RemoteDoc) Resolution {
	return Resolution{Verdict: KeepTheirs}
}
