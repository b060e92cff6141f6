package db

import (
	"context"
	"fmt"
	"log"

	"github.com/banshee-data/campus.safety/internal/incident"
)

// HistoryExporter stores a session's incidents and trims the history
// to MaxRecords.
type HistoryExporter struct {
	DB         *DB
	SessionID  string
	MaxRecords int
}

func (e *HistoryExporter) Export(ctx context.Context, incidents []incident.Incident) error {
	if err := e.DB.InsertIncidents(ctx, e.SessionID, incidents); err != nil {
		return err
	}
	pruned, err := e.DB.PruneIncidents(ctx, e.MaxRecords)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if pruned > 0 {
		log.Printf("history: pruned %d incidents beyond the newest %d", pruned, e.MaxRecords)
	}
	return nil
}
