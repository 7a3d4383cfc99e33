package database_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRunInTxRetriesConflicts(t *testing.T) {
	db := testutil.NewDB(t)

	attempts := 0
	err := database.RunInTx(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("account x: %w", database.ErrConflict)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunInTxDoesNotRetryDomainErrors(t *testing.T) {
	db := testutil.NewDB(t)

	attempts := 0
	err := database.RunInTx(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		return model.ErrInsufficientBalance
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	require.Equal(t, 1, attempts)

	attempts = 0
	err = database.RunInTx(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		return errors.New("syntax error near SELECT")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRunInTxRollsBack(t *testing.T) {
	db := testutil.NewDB(t)

	err := database.RunInTx(context.Background(), db, func(tx *gorm.DB) error {
		if err := tx.Create(&model.Project{Title: "ghost", FundingGoal: testutil.D("1")}).Error; err != nil {
			return err
		}
		return model.ErrProjectNotFundable
	})
	require.ErrorIs(t, err, model.ErrProjectNotFundable)

	var count int64
	require.NoError(t, db.Model(&model.Project{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := database.New(config.DatabaseConfig{Driver: "oracle"}, testutil.Logger())
	require.Error(t, err)
}
