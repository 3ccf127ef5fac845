package store

import "encoding/binary"

// Keyspace layout (lexicographically ordered for range scans):
//
//	conv/{conv}/meta                 (8B BE: max assigned sequence)
//	conv/{conv}/msg/{seq_be8}        (message JSON)
//	conv/{conv}/cmi/{clientMsgId}    (8B BE: sequence; uniqueness backstop)

func keyMeta(convID string) []byte {
	k := make([]byte, 0, len("conv//meta")+len(convID))
	k = append(k, "conv/"...)
	k = append(k, convID...)
	k = append(k, "/meta"...)
	return k
}

func keyMsg(convID string, seq int64) []byte {
	k := make([]byte, 0, len("conv//msg/")+len(convID)+8)
	k = append(k, "conv/"...)
	k = append(k, convID...)
	k = append(k, "/msg/"...)
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(seq))
	k = append(k, be[:]...)
	return k
}

func keyClientMsgID(convID, clientMsgID string) []byte {
	k := make([]byte, 0, len("conv//cmi/")+len(convID)+len(clientMsgID))
	k = append(k, "conv/"...)
	k = append(k, convID...)
	k = append(k, "/cmi/"...)
	k = append(k, clientMsgID...)
	return k
}

func encodeSeq(seq int64) []byte {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(seq))
	return be[:]
}

func decodeSeq(b []byte) (int64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b[:8])), true
}
