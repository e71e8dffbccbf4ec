package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/seantiz/querygate/internal/model"
)

// Compile-time interface satisfaction check.
var _ Driver = (*Document)(nil)

// Document serves MongoDB-compatible instances.
type Document struct {
	MaxConns uint64
	cache    bool

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// NewDocument creates a document driver. maxConns bounds each client's pool;
// cache selects whether clients outlive a call.
func NewDocument(maxConns uint64, cache bool) *Document {
	if maxConns == 0 {
		maxConns = 1
	}
	return &Document{MaxConns: maxConns, cache: cache, clients: make(map[string]*mongo.Client)}
}

// Kind reports model.EngineDocument.
func (d *Document) Kind() model.EngineKind { return model.EngineDocument }

// Validate parses the payload into method calls or command documents.
func (d *Document) Validate(_ string, kind model.PayloadKind, payload string) error {
	_, err := parseDocPayload(kind, payload)
	return err
}

// ListDatabases lists database names on the instance.
func (d *Document) ListDatabases(ctx context.Context, t Target) ([]string, error) {
	client, release, err := d.open(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	names, err := client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list databases on %s: %w", t.InstanceID, err)
	}
	return names, nil
}

// Execute runs one call, or every call of a script in order. Document
// scripts are not transactional; a failing call stops the script.
func (d *Document) Execute(ctx context.Context, t Target, exec Exec, logf LogFunc) (*Result, error) {
	queries, err := parseDocPayload(exec.PayloadKind, exec.Payload)
	if err != nil {
		return nil, err
	}
	if logf == nil {
		logf = func(string) {}
	}

	ctx, cancel := withBudget(ctx, exec.Budget)
	defer cancel()

	client, release, err := d.open(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()
	db := client.Database(exec.Database)

	if exec.PayloadKind == model.PayloadInlineQuery {
		res, err := runDocQuery(ctx, db, queries[0], logf)
		if err != nil {
			return nil, execError(ctx, err)
		}
		return res, nil
	}

	script := &Result{}
	for i, q := range queries {
		logf(fmt.Sprintf("call %d/%d", i+1, len(queries)))
		res, err := runDocQuery(ctx, db, q, logf)
		if err != nil {
			return nil, execError(ctx, fmt.Errorf("call %d: %w", i+1, err))
		}
		script.Steps = append(script.Steps, res)
		script.RowCount += res.RowCount
		script.RowsAffected += res.RowsAffected
	}
	return script, nil
}

// Close disconnects every cached client.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for key, c := range d.clients {
		if err := c.Disconnect(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.clients, key)
	}
	return firstErr
}

func runDocQuery(ctx context.Context, db *mongo.Database, q DocQuery, logf LogFunc) (*Result, error) {
	switch q := q.(type) {
	case Command:
		logf(fmt.Sprintf("running command %s on %s", q.Doc[0].Key, db.Name()))
		raw, err := db.RunCommand(ctx, q.Doc).Raw()
		if err != nil {
			return nil, err
		}
		doc, err := extJSON(raw)
		if err != nil {
			return nil, err
		}
		return &Result{Documents: []json.RawMessage{doc}, RowCount: 1}, nil
	case MethodCall:
		logf(fmt.Sprintf("db.%s.%s on %s", q.Collection, q.Method, db.Name()))
		res, err := runMethod(ctx, db.Collection(q.Collection), q)
		if err != nil {
			return nil, err
		}
		logf(summary(res))
		return res, nil
	case Invalid:
		return nil, fmt.Errorf("%w: %s", model.ErrMalformedQuery, q.Reason)
	default:
		return nil, fmt.Errorf("%w: unknown query form %T", model.ErrMalformedQuery, q)
	}
}

func runMethod(ctx context.Context, coll *mongo.Collection, call MethodCall) (*Result, error) {
	arg := func(i int) any {
		if i < len(call.Args) {
			return call.Args[i].Document()
		}
		return bson.D{}
	}

	switch call.Method {
	case "find":
		limit := int64(MaxRows + 1)
		if c := call.Cursor.Limit; c > 0 && c < limit {
			limit = c
		}
		opts := options.Find().SetLimit(limit)
		if call.Cursor.Sort != nil {
			opts.SetSort(call.Cursor.Sort)
		}
		if call.Cursor.Skip > 0 {
			opts.SetSkip(call.Cursor.Skip)
		}
		if len(call.Args) > 1 {
			opts.SetProjection(call.Args[1].Document())
		}
		cur, err := coll.Find(ctx, arg(0), opts)
		if err != nil {
			return nil, err
		}
		return collectCursor(ctx, cur)

	case "findOne":
		opts := options.FindOne()
		if len(call.Args) > 1 {
			opts.SetProjection(call.Args[1].Document())
		}
		raw, err := coll.FindOne(ctx, arg(0), opts).Raw()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &Result{Documents: []json.RawMessage{}}, nil
		}
		if err != nil {
			return nil, err
		}
		doc, err := extJSON(raw)
		if err != nil {
			return nil, err
		}
		return &Result{Documents: []json.RawMessage{doc}, RowCount: 1}, nil

	case "insertOne":
		res, err := coll.InsertOne(ctx, call.Args[0].Document())
		if err != nil {
			return nil, err
		}
		return valueResult(bson.M{"insertedId": res.InsertedID}, 1)

	case "insertMany":
		vals, err := call.Args[0].Array().Values()
		if err != nil {
			return nil, err
		}
		docs := make([]any, len(vals))
		for i, v := range vals {
			docs[i] = v.Document()
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		return valueResult(bson.M{"insertedIds": res.InsertedIDs}, int64(len(res.InsertedIDs)))

	case "updateOne", "updateMany":
		var res *mongo.UpdateResult
		var err error
		if call.Method == "updateOne" {
			res, err = coll.UpdateOne(ctx, arg(0), arg(1))
		} else {
			res, err = coll.UpdateMany(ctx, arg(0), arg(1))
		}
		if err != nil {
			return nil, err
		}
		return valueResult(bson.M{
			"matchedCount":  res.MatchedCount,
			"modifiedCount": res.ModifiedCount,
			"upsertedId":    res.UpsertedID,
		}, res.ModifiedCount)

	case "deleteOne", "deleteMany":
		var res *mongo.DeleteResult
		var err error
		if call.Method == "deleteOne" {
			res, err = coll.DeleteOne(ctx, arg(0))
		} else {
			res, err = coll.DeleteMany(ctx, arg(0))
		}
		if err != nil {
			return nil, err
		}
		return valueResult(bson.M{"deletedCount": res.DeletedCount}, res.DeletedCount)

	case "countDocuments":
		n, err := coll.CountDocuments(ctx, arg(0))
		if err != nil {
			return nil, err
		}
		res, err := valueResult(bson.M{"count": n}, 0)
		if err != nil {
			return nil, err
		}
		res.RowCount = int(n)
		return res, nil

	case "aggregate":
		vals, err := call.Args[0].Array().Values()
		if err != nil {
			return nil, err
		}
		pipeline := make(bson.A, len(vals))
		for i, v := range vals {
			pipeline[i] = v.Document()
		}
		cur, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		return collectCursor(ctx, cur)

	case "distinct":
		field := call.Args[0].StringValue()
		values, err := coll.Distinct(ctx, field, arg(1))
		if err != nil {
			return nil, err
		}
		res, err := valueResult(bson.M{"values": values}, 0)
		if err != nil {
			return nil, err
		}
		res.RowCount = len(values)
		return res, nil
	}

	return nil, fmt.Errorf("%w: unsupported method %q", model.ErrMalformedQuery, call.Method)
}

func collectCursor(ctx context.Context, cur *mongo.Cursor) (*Result, error) {
	defer cur.Close(ctx)

	res := &Result{Documents: []json.RawMessage{}}
	for cur.Next(ctx) {
		if res.RowCount >= MaxRows {
			res.Truncated = true
			break
		}
		doc, err := extJSON(cur.Current)
		if err != nil {
			return nil, err
		}
		res.Documents = append(res.Documents, doc)
		res.RowCount++
	}
	return res, cur.Err()
}

func extJSON(raw bson.Raw) (json.RawMessage, error) {
	out, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

func valueResult(v bson.M, affected int64) (*Result, error) {
	out, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Result{Value: out, RowsAffected: affected}, nil
}

func (d *Document) open(ctx context.Context, t Target) (*mongo.Client, func(), error) {
	if !d.cache {
		c, err := d.connect(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Disconnect(context.Background()) }, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[t.InstanceID]; ok {
		return c, func() {}, nil
	}
	c, err := d.connect(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	d.clients[t.InstanceID] = c
	return c, func() {}, nil
}

func (d *Document) connect(ctx context.Context, t Target) (*mongo.Client, error) {
	uri := t.ConnectionString
	if uri == "" {
		uri = "mongodb://" + t.Host + ":" + strconv.Itoa(t.Port)
	}
	opts := options.Client().ApplyURI(uri).SetMaxPoolSize(d.MaxConns)
	if t.User != "" {
		opts.SetAuth(options.Credential{Username: t.User, Password: t.Password})
	}

	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", model.ErrTargetUnavailable, t.InstanceID, err)
	}
	return c, nil
}
