package app

import (
	"context"

	"bountyline/internal/db"
	"bountyline/internal/migrate"
)

// Status describes the workspace database without replaying it.
type Status struct {
	Workspace     string `json:"workspace"`
	DBPath        string `json:"db_path"`
	SchemaVersion int    `json:"schema_version"`
	LatestSchema  int    `json:"latest_schema"`
	Events        int64  `json:"events"`
	LastSeq       int64  `json:"last_seq"`
	Projects      int    `json:"projects"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{Workspace: a.Workspace, DBPath: db.Path(a.Workspace)}
	var err error
	if st.SchemaVersion, st.LatestSchema, err = migrate.Version(ctx, a.DB); err != nil {
		return st, err
	}
	if st.Events, err = a.Repo.CountEvents(ctx); err != nil {
		return st, err
	}
	if st.LastSeq, err = a.Repo.LatestEventID(ctx, 0); err != nil {
		return st, err
	}
	snaps, err := a.Repo.ListSnapshots(ctx, "", "")
	if err != nil {
		return st, err
	}
	st.Projects = len(snaps)
	return st, nil
}
