package migrations

import (
	"github.com/jmylchreest/av1arr/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Add progress tracking columns for databases created before the
//        remote worker protocol existed
// - 003: Add HDR classification columns
// - 004: Add priority and worker pinning columns
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ProgressColumns(),
		migration003HDRColumns(),
		migration004PriorityColumns(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create files table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.FileRecord{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable("files") {
				return tx.Migrator().DropTable("files")
			}
			return nil
		},
	}
}

// addColumn adds a column if it is not already present. SQLite predating the
// column set tolerates repeated runs; unknown columns from newer writers are
// left alone.
func addColumn(tx *gorm.DB, table, column, ddl string) error {
	if tx.Migrator().HasColumn(table, column) {
		return nil
	}
	return tx.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + ddl).Error
}

// migration002ProgressColumns adds worker assignment and progress columns to
// databases created by the pre-fleet single-host version.
func migration002ProgressColumns() Migration {
	return Migration{
		Version:     "002",
		Description: "Add worker assignment and progress columns to files",
		Up: func(tx *gorm.DB) error {
			cols := []struct{ name, ddl string }{
				{"assigned_worker_id", "TEXT"},
				{"estimated_time_seconds", "INTEGER"},
				{"time_remaining_seconds", "INTEGER"},
				{"processing_speed_fps", "REAL"},
			}
			for _, c := range cols {
				if err := addColumn(tx, "files", c.name, c.ddl); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *gorm.DB) error {
			// SQLite cannot drop columns without recreating the table;
			// leaving them in place is harmless.
			return nil
		},
	}
}

// migration003HDRColumns adds HDR classification columns.
func migration003HDRColumns() Migration {
	return Migration{
		Version:     "003",
		Description: "Add HDR classification columns to files",
		Up: func(tx *gorm.DB) error {
			cols := []struct{ name, ddl string }{
				{"hdr_dynamic", "BOOLEAN DEFAULT 0"},
				{"color_transfer", "TEXT"},
				{"color_space", "TEXT"},
			}
			for _, c := range cols {
				if err := addColumn(tx, "files", c.name, c.ddl); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *gorm.DB) error {
			return nil
		},
	}
}

// migration004PriorityColumns adds queue priority and worker pinning columns.
func migration004PriorityColumns() Migration {
	return Migration{
		Version:     "004",
		Description: "Add priority and preferred_worker_id columns to files",
		Up: func(tx *gorm.DB) error {
			if err := addColumn(tx, "files", "priority", "INTEGER DEFAULT 0"); err != nil {
				return err
			}
			return addColumn(tx, "files", "preferred_worker_id", "TEXT")
		},
		Down: func(tx *gorm.DB) error {
			return nil
		},
	}
}
