/*
Copyright 2025 Coscribe, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pgbk

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/backend/test"
	"github.com/coscribe/coscribe/lib/utils"
)

// connEnvVar holds a libpq connection string pointing at a disposable
// database, for example postgres://coscribe@localhost/coscribe_test.
const connEnvVar = "TEST_COSCRIBE_POSTGRES"

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestPostgres(t *testing.T) {
	connString := os.Getenv(connEnvVar)
	if connString == "" {
		t.Skipf("PostgreSQL tests are disabled. Enable by defining the %v environment variable", connEnvVar)
	}

	test.RunBackendComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := NewWithConfig(context.Background(), Config{ConnString: connString})
		require.NoError(t, err)

		// Each subtest gets a logically fresh store: the suite reuses
		// well-known room ids, so scrub them up front.
		ctx := context.Background()
		require.NoError(t, bk.DeleteRoom(ctx, "alpha"))
		require.NoError(t, bk.DeleteRoom(ctx, "beta"))
		require.NoError(t, bk.DeleteRoom(ctx, "missing"))
		for r := 0; r < 8; r++ {
			require.NoError(t, bk.DeleteRoom(ctx, fmt.Sprintf("room-%d", r)))
		}
		return bk
	})
}

func TestPostgresConfig(t *testing.T) {
	_, err := NewWithConfig(context.Background(), Config{})
	require.Error(t, err)

	cfg := Config{ConnString: "postgres://coscribe@localhost/" + uuid.NewString()}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaultMaxOpenConns, cfg.MaxOpenConns)
}
