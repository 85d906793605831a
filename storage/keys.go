package storage

import (
	"encoding/binary"

	"ballot-ledger/models"
)

var (
	prefixSeq          = []byte("seq/")
	prefixVoter        = []byte("v/")
	prefixVoterIdx     = []byte("vx/")
	prefixCandidate    = []byte("c/")
	prefixCandidateIdx = []byte("cx/")
	prefixCandidateLdg = []byte("cl/")
	prefixParty        = []byte("p/")
	prefixPartyIdx     = []byte("px/")
	prefixPartyLdg     = []byte("pl/")
	prefixVote         = []byte("dv/")
	prefixVoteIdx      = []byte("dvx/")
	prefixIndirect     = []byte("iv/")
	prefixIndirectIdx  = []byte("ivx/")
	prefixCount        = []byte("vc/")
)

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func areaBytes(a models.Area) []byte {
	b := append([]byte(a.District), 0)
	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, uint32(a.AreaNo))
	return append(b, n...)
}

func nameAreaKey(prefix []byte, name string, a models.Area) []byte {
	return key(prefix, areaBytes(a), []byte(name))
}

func countKey(k models.CountKey) []byte {
	return key(prefixCount, []byte(k.Kind), []byte{'/'}, u64(k.EntityID), areaBytes(k.Area))
}
