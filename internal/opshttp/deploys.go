package opshttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keithlinneman/sitedeploy/internal/history"
	"github.com/keithlinneman/sitedeploy/internal/httperr"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

type deploysResponse struct {
	Deploys []history.Record `json:"deploys"`
}

// DeploysHandler lists recent deploys, newest first.
// Query: channel=<name> (e.g. "stable", "pr-12"), limit=<1..500>.
func DeploysHandler(src DeployLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := history.Query{Channel: r.URL.Query().Get("channel")}
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httperr.Write(w, r, xerrors.E(xerrors.KindBadRequest, "limit must be a positive integer", err))
				return
			}
			q.Limit = n
		}

		recs, err := src.Recent(r.Context(), q)
		if err != nil {
			httperr.Write(w, r, xerrors.Wrap(err, "list deploys"))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(deploysResponse{Deploys: recs})
	}
}
