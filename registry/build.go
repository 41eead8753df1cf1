// Package registry adapts upstream violation registries to assessment.SourceReader.
package registry

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/config"
)

// sqlConstructors are the registries this database knows how to read.
var sqlConstructors = map[assessment.Registry]func(*sql.DB, *zap.Logger) *SQLReader{
	assessment.RegistryComplaint: NewComplaintReader,
	assessment.RegistryRework:    NewReworkReader,
	assessment.RegistryException: NewExceptionReader,
}

// Build constructs the configured readers. db backs every "sql" registry.
func Build(cfg config.Config, db *sql.DB, logger *zap.Logger) (*assessment.Sources, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	readers := make([]assessment.SourceReader, 0, len(cfg.Registries))
	for _, rc := range cfg.Registries {
		name := assessment.Registry(rc.Name)
		switch rc.Kind {
		case config.KindSQL:
			ctor, ok := sqlConstructors[name]
			if !ok {
				return nil, fmt.Errorf("registry %q: no sql adapter for this registry", rc.Name)
			}
			if db == nil {
				return nil, fmt.Errorf("registry %q: sql adapter needs a database", rc.Name)
			}
			readers = append(readers, ctor(db, logger))
		case config.KindHTTP:
			if rc.URL == "" {
				return nil, fmt.Errorf("registry %q: url is required", rc.Name)
			}
			readers = append(readers, NewHTTPReader(name, rc.URL, HTTPOptions{
				Timeout:    cfg.TimeoutFor(rc),
				RetryCount: 2,
			}, logger))
		default:
			return nil, fmt.Errorf("registry %q: unknown kind %q", rc.Name, rc.Kind)
		}
		logger.Info("registry configured", zap.String("registry", rc.Name), zap.String("kind", rc.Kind))
	}
	return assessment.NewSources(readers...), nil
}
