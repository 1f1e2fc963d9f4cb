package db

import (
	"testing"

	"smallbiznis-recurring/pkg/config"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Port = "5432"
	cfg.Database.User = "civi"
	cfg.Database.DBNAME = "recurring"
	cfg.Database.SSLMode = "disable"
	cfg.Database.Timezone = "UTC"

	d, err := Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "postgres", d.Name())
	require.Equal(t, "recurring", getDBNameFromDialector(d.(*postgres.Dialector)))

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "recurring", getDBNameFromDialector(d.(*mysql.Dialector)))

	cfg.Database.Type = "sqlite"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "sqlite", d.Name())

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}
