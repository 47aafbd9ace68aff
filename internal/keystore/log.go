package keystore

import "log/slog"

func logKeystoreCaseMismatch(requested, stored string) {
	slog.Warn("keystore: peer_id case mismatch",
		"requested", requested,
		"stored", stored,
	)
}
