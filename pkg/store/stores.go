package store

import (
	"context"
	"fmt"

	"github.com/alphonse-agent/nerve/pkg/database"
)

// Stores bundles every repository over one database handle.
type Stores struct {
	client *database.Client

	Catalog   *CatalogStore
	Runtime   *RuntimeStore
	Queue     *SignalQueueStore
	Timed     *TimedStore
	Tasks     *TaskStore
	Plans     *PlanStore
	StepTrace *StepTraceStore
	Household *HouseholdStore
	Templates *TemplateStore
}

// New creates the repository bundle.
func New(client *database.Client) *Stores {
	return &Stores{
		client:    client,
		Catalog:   NewCatalogStore(client),
		Runtime:   NewRuntimeStore(client),
		Queue:     NewSignalQueueStore(client),
		Timed:     NewTimedStore(client),
		Tasks:     NewTaskStore(client),
		Plans:     NewPlanStore(client),
		StepTrace: NewStepTraceStore(client),
		Household: NewHouseholdStore(client),
		Templates: NewTemplateStore(client),
	}
}

// InTx runs fn inside one transaction, handing it a bundle whose
// repositories are bound to that transaction. The FSM step runs here so
// the state change, queue completion, trace row, and every action
// outcome commit or roll back together.
func (s *Stores) InTx(ctx context.Context, fn func(txs *Stores) error) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txs := &Stores{
		client:    s.client,
		Catalog:   s.Catalog.WithTx(tx),
		Runtime:   s.Runtime.WithTx(tx),
		Queue:     s.Queue.WithTx(tx),
		Timed:     s.Timed.WithTx(tx),
		Tasks:     s.Tasks.WithTx(tx),
		Plans:     s.Plans.WithTx(tx),
		StepTrace: s.StepTrace.WithTx(tx),
		Household: s.Household.WithTx(tx),
		Templates: s.Templates.WithTx(tx),
	}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
