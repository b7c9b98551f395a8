// Package mongo provides Mongo-backed stores for workflows, executions and
// node records. Executions and node records live in separate collections;
// node records are keyed by (execution, node, iteration) so loop iterations
// upsert independently.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/workflow"
)

const (
	defaultDatabase             = "nervemind"
	defaultWorkflowsCollection  = "workflows"
	defaultExecutionsCollection = "executions"
	defaultRecordsCollection    = "node_records"
	defaultOpTimeout            = 5 * time.Second
)

type (
	// Options configures the Mongo stores.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database names the database. Empty uses "nervemind".
		Database string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// ExecutionStore implements execution.Store on MongoDB.
	ExecutionStore struct {
		executions *mongodriver.Collection
		records    *mongodriver.Collection
		timeout    time.Duration
	}

	// WorkflowStore serves workflow definitions from MongoDB.
	WorkflowStore struct {
		workflows *mongodriver.Collection
		timeout   time.Duration
	}
)

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewExecutionStore builds the execution store and ensures its indexes.
func NewExecutionStore(ctx context.Context, opts Options) (*ExecutionStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &ExecutionStore{
		executions: opts.Client.Database(db).Collection(defaultExecutionsCollection),
		records:    opts.Client.Database(db).Collection(defaultRecordsCollection),
		timeout:    timeout,
	}
	octx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.executions.Indexes().CreateOne(octx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}},
	}); err != nil {
		return nil, fmt.Errorf("create executions index: %w", err)
	}
	if _, err := s.records.Indexes().CreateOne(octx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "iteration", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("create node records index: %w", err)
	}
	return s, nil
}

// SaveExecution implements execution.Store.
func (s *ExecutionStore) SaveExecution(ctx context.Context, e execution.Execution) error {
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.executions.ReplaceOne(ctx,
		bson.M{"_id": e.ID}, e,
		options.Replace().SetUpsert(true))
	return err
}

// SaveNodeRecord implements execution.Store.
func (s *ExecutionStore) SaveNodeRecord(ctx context.Context, rec execution.NodeRecord) error {
	if rec.ExecutionID == "" || rec.NodeID == "" {
		return errors.New("execution id and node id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"execution_id": rec.ExecutionID,
		"node_id":      rec.NodeID,
		"iteration":    rec.Iteration,
	}
	_, err := s.records.UpdateOne(ctx, filter, bson.M{"$set": rec}, options.UpdateOne().SetUpsert(true))
	return err
}

// FindExecution implements execution.Store.
func (s *ExecutionStore) FindExecution(ctx context.Context, id string) (execution.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var e execution.Execution
	if err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return execution.Execution{}, engineerrors.Newf(engineerrors.KindConfig, "execution %q not found", id)
		}
		return execution.Execution{}, err
	}
	return e, nil
}

// FindByWorkflow implements execution.Store.
func (s *ExecutionStore) FindByWorkflow(ctx context.Context, workflowID int64) ([]execution.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.executions.Find(ctx,
		bson.M{"workflow_id": workflowID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []execution.Execution
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NodeRecords lists the node records of one execution.
func (s *ExecutionStore) NodeRecords(ctx context.Context, executionID string) ([]execution.NodeRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.records.Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []execution.NodeRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAll implements execution.Store.
func (s *ExecutionStore) DeleteAll(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.executions.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	_, err := s.records.DeleteMany(ctx, bson.M{})
	return err
}

func (s *ExecutionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// workflowDocument maps a workflow definition into Mongo. Definitions are
// stored as their canonical JSON so schema evolution stays in one place.
type workflowDocument struct {
	ID         int64  `bson:"_id"`
	Name       string `bson:"name"`
	Active     bool   `bson:"active"`
	Version    int    `bson:"version"`
	Definition []byte `bson:"definition"`
}

// NewWorkflowStore builds the workflow store.
func NewWorkflowStore(opts Options) (*WorkflowStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &WorkflowStore{
		workflows: opts.Client.Database(db).Collection(defaultWorkflowsCollection),
		timeout:   timeout,
	}, nil
}

// Save upserts a workflow definition.
func (s *WorkflowStore) Save(ctx context.Context, wf *workflow.Workflow) error {
	if wf.ID == 0 {
		return errors.New("workflow id is required")
	}
	data, err := workflow.Encode(wf)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := workflowDocument{
		ID:         wf.ID,
		Name:       wf.Name,
		Active:     wf.Active,
		Version:    wf.Version,
		Definition: data,
	}
	_, err = s.workflows.ReplaceOne(ctx,
		bson.M{"_id": wf.ID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

// Workflow implements core.WorkflowStore.
func (s *WorkflowStore) Workflow(ctx context.Context, id int64) (*workflow.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, engineerrors.Newf(engineerrors.KindConfig, "workflow %d not found", id)
		}
		return nil, err
	}
	return workflow.Decode(doc.Definition)
}

// List implements core.WorkflowStore.
func (s *WorkflowStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.workflows.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []workflowDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*workflow.Workflow, 0, len(docs))
	for _, doc := range docs {
		wf, err := workflow.Decode(doc.Definition)
		if err != nil {
			return nil, fmt.Errorf("decode workflow %d: %w", doc.ID, err)
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *WorkflowStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
