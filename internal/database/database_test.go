package database

import (
	"path/filepath"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) Config {
	return Config{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "index.db"),
		LogLevel: "silent",
	}
}

func TestOpenFreshDatabase(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, models.SchemaVersion, version)

	for _, table := range []string{"resources", "main_dicom_tags", "dicom_identifiers", "metadata",
		"attached_files", "changes", "exported_resources", "global_properties", "patient_recycling_order"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestReopenKeepsVersion(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	sqlDB, _ = db.DB()
	defer sqlDB.Close()
}

func TestIncompatibleVersion(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, db.Save(&models.GlobalPropertyRow{
		Property: models.PropertyDatabaseSchemaVersion,
		Value:    "5",
	}).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	_, err = Open(cfg)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.IncompatibleDatabaseVersion))

	cfg.AllowUpgrade = true
	db, err = Open(cfg)
	require.NoError(t, err)
	sqlDB, _ = db.DB()
	defer sqlDB.Close()

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, models.SchemaVersion, version)
}

func TestNewerVersionRefusedEvenWithUpgrade(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Save(&models.GlobalPropertyRow{
		Property: models.PropertyDatabaseSchemaVersion,
		Value:    "99",
	}).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	cfg.AllowUpgrade = true
	_, err = Open(cfg)
	assert.True(t, errcode.Is(err, errcode.IncompatibleDatabaseVersion))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"})
	assert.Error(t, err)
}
