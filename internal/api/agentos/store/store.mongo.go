package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/common"
	"fleet_ops/internal/database"
	"fleet_ops/internal/global"
	"fleet_ops/internal/registry"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// idempotencyRecord là response idempotent lưu trong MongoDB
// Collection: agent_idempotency
type idempotencyRecord struct {
	ID        string    `bson:"_id"`
	TenantID  string    `bson:"tenantId" index:"compound:tenant_created"`
	Key       string    `bson:"key"`
	Response  []byte    `bson:"response"`
	CreatedAt int64     `bson:"createdAt" index:"compound:tenant_created"`
	ExpiresAt time.Time `bson:"expiresAt" index:"ttl:0"`
}

type sequenceDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// MongoStore là StateStore trên MongoDB. Collection được đăng ký vào registry khi khởi tạo.
type MongoStore struct {
	idGenerator
	db          *mongo.Database
	collections *registry.Registry[*mongo.Collection]
	now         func() time.Time
}

// NewMongoStore đăng ký collection, tạo index và trả về store
func NewMongoStore(ctx context.Context, db *mongo.Database, collections *registry.Registry[*mongo.Collection]) (*MongoStore, error) {
	s := &MongoStore{db: db, collections: collections, now: time.Now}
	s.idGenerator = idGenerator{next: s.nextSequence}

	names := global.MongoDB_ColNames
	for _, name := range []string{names.AgentRuns, names.AgentSteps, names.AgentApprovals, names.AgentPolicies, names.AgentSequences, names.AgentIdempotency} {
		if _, err := collections.Register(name, db.Collection(name)); err != nil {
			return nil, err
		}
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	names := global.MongoDB_ColNames
	models := map[string]interface{}{
		names.AgentRuns:        agentosmodels.AgentRun{},
		names.AgentSteps:       agentosmodels.AgentStep{},
		names.AgentApprovals:   agentosmodels.AgentApproval{},
		names.AgentPolicies:    agentosmodels.PolicyRule{},
		names.AgentIdempotency: idempotencyRecord{},
	}
	for name, model := range models {
		if err := database.CreateIndexes(ctx, s.col(name), model); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", name, err)
		}
	}
	// Mỗi run chỉ có tối đa một approval pending
	pendingIdx := database.IndexSpec{
		Name: "run_pending_unique",
		Keys: bson.D{{Key: "runId", Value: 1}},
		Options: options.Index().SetName("run_pending_unique").SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": string(agentosmodels.ApprovalStatusPending)}),
	}
	return database.EnsureIndexes(ctx, s.col(names.AgentApprovals), []database.IndexSpec{pendingIdx})
}

func (s *MongoStore) col(name string) *mongo.Collection {
	c, ok := s.collections.Get(name)
	if !ok {
		c = s.db.Collection(name)
	}
	return c
}

func (s *MongoStore) nextSequence(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc sequenceDoc
	err := s.col(global.MongoDB_ColNames.AgentSequences).
		FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"value": int64(1)}}, opts).
		Decode(&doc)
	if err != nil {
		return 0, common.ConvertStoreError(err)
	}
	return doc.Value, nil
}

func (s *MongoStore) replace(ctx context.Context, colName, id string, doc interface{}) error {
	_, err := s.col(colName).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return common.ConvertStoreError(err)
}

// findOne giải mã một document, trả lỗi bọc ErrNotFound nếu không có
func findOne[T any](ctx context.Context, col *mongo.Collection, filter interface{}, label string, opts ...*options.FindOneOptions) (*T, error) {
	var out T
	err := col.FindOne(ctx, filter, opts...).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", label, common.ErrNotFound)
	}
	if err != nil {
		return nil, common.ConvertStoreError(err)
	}
	return &out, nil
}

// findMany giải mã toàn bộ kết quả của truy vấn
func findMany[T any](ctx context.Context, col *mongo.Collection, filter interface{}, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, common.ConvertStoreError(err)
	}
	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, common.ConvertStoreError(err)
	}
	return out, nil
}

func (s *MongoStore) UpsertRun(ctx context.Context, run *agentosmodels.AgentRun) error {
	return s.replace(ctx, global.MongoDB_ColNames.AgentRuns, run.RunID, run)
}

func (s *MongoStore) GetRun(ctx context.Context, runID string) (*agentosmodels.AgentRun, error) {
	return findOne[agentosmodels.AgentRun](ctx, s.col(global.MongoDB_ColNames.AgentRuns), bson.M{"_id": runID}, "run "+runID)
}

func (s *MongoStore) ListRuns(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(limit))
	return findMany[agentosmodels.AgentRun](ctx, s.col(global.MongoDB_ColNames.AgentRuns), bson.M{"tenantId": tenantID}, opts)
}

func (s *MongoStore) UpsertStep(ctx context.Context, step *agentosmodels.AgentStep) error {
	return s.replace(ctx, global.MongoDB_ColNames.AgentSteps, step.StepID, step)
}

func (s *MongoStore) ListSteps(ctx context.Context, runID string) ([]agentosmodels.AgentStep, error) {
	opts := options.Find().SetSort(bson.D{{Key: "stepIndex", Value: 1}})
	return findMany[agentosmodels.AgentStep](ctx, s.col(global.MongoDB_ColNames.AgentSteps), bson.M{"runId": runID}, opts)
}

func (s *MongoStore) InsertApproval(ctx context.Context, approval *agentosmodels.AgentApproval) error {
	_, err := s.col(global.MongoDB_ColNames.AgentApprovals).InsertOne(ctx, approval)
	if mongo.IsDuplicateKeyError(err) {
		if _, getErr := s.GetApproval(ctx, approval.ApprovalID); getErr == nil {
			return fmt.Errorf("approval %s: %w", approval.ApprovalID, common.ErrDuplicate)
		}
		return common.ErrPendingApprovalExists
	}
	return common.ConvertStoreError(err)
}

func (s *MongoStore) GetApproval(ctx context.Context, approvalID string) (*agentosmodels.AgentApproval, error) {
	return findOne[agentosmodels.AgentApproval](ctx, s.col(global.MongoDB_ColNames.AgentApprovals), bson.M{"_id": approvalID}, "approval "+approvalID)
}

func (s *MongoStore) ResolveApproval(ctx context.Context, approvalID string, res agentosmodels.ApprovalResolution) (*agentosmodels.AgentApproval, error) {
	set := bson.M{
		"status":     res.Status,
		"resolvedBy": res.ResolvedBy,
		"resolvedAt": res.ResolvedAt,
		"updatedAt":  res.ResolvedAt,
	}
	if res.Note != "" {
		set["note"] = res.Note
	}
	// Filter theo status pending là compare-and-swap
	filter := bson.M{"_id": approvalID, "status": agentosmodels.ApprovalStatusPending}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated agentosmodels.AgentApproval
	err := s.col(global.MongoDB_ColNames.AgentApprovals).FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.GetApproval(ctx, approvalID); getErr != nil {
			return nil, getErr
		}
		return nil, common.ErrApprovalResolved
	}
	if err != nil {
		return nil, common.ConvertStoreError(err)
	}
	return &updated, nil
}

func (s *MongoStore) ListApprovals(ctx context.Context, runID string) ([]agentosmodels.AgentApproval, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findMany[agentosmodels.AgentApproval](ctx, s.col(global.MongoDB_ColNames.AgentApprovals), bson.M{"runId": runID}, opts)
}

func (s *MongoStore) ListPendingApprovals(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentApproval, error) {
	filter := bson.M{"tenantId": tenantID, "status": agentosmodels.ApprovalStatusPending}
	opts := options.Find().SetSort(bson.D{{Key: "requestedAt", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit))
	return findMany[agentosmodels.AgentApproval](ctx, s.col(global.MongoDB_ColNames.AgentApprovals), filter, opts)
}

func (s *MongoStore) SeedPolicies(ctx context.Context, rules []agentosmodels.PolicyRule) (int, error) {
	col := s.col(global.MongoDB_ColNames.AgentPolicies)
	inserted := 0
	for _, rule := range rules {
		raw, err := bson.Marshal(rule)
		if err != nil {
			return inserted, fmt.Errorf("failed to encode policy: %w", err)
		}
		var doc bson.M
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return inserted, fmt.Errorf("failed to encode policy: %w", err)
		}
		delete(doc, "_id")
		result, err := col.UpdateOne(ctx, bson.M{"_id": rule.PolicyID}, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
		if err != nil {
			return inserted, common.ConvertStoreError(err)
		}
		if result.UpsertedCount > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *MongoStore) ListPolicies(ctx context.Context) ([]agentosmodels.PolicyRule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findMany[agentosmodels.PolicyRule](ctx, s.col(global.MongoDB_ColNames.AgentPolicies), bson.M{}, opts)
}

func (s *MongoStore) GetPolicy(ctx context.Context, policyID string) (*agentosmodels.PolicyRule, error) {
	return findOne[agentosmodels.PolicyRule](ctx, s.col(global.MongoDB_ColNames.AgentPolicies), bson.M{"_id": policyID}, "policy "+policyID)
}

func (s *MongoStore) GetPolicyForAction(ctx context.Context, actionType agentosmodels.ActionType) (*agentosmodels.PolicyRule, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findOne[agentosmodels.PolicyRule](ctx, s.col(global.MongoDB_ColNames.AgentPolicies), bson.M{"actionType": actionType}, "policy for action "+string(actionType), opts)
}

func (s *MongoStore) UpdatePolicy(ctx context.Context, policyID string, patch agentosmodels.PolicyPatch) (*agentosmodels.PolicyRule, error) {
	set := bson.M{"updatedAt": s.now().UnixMilli()}
	if patch.Enabled != nil {
		set["enabled"] = *patch.Enabled
	}
	if patch.RequiresAdminApproval != nil {
		set["requiresAdminApproval"] = *patch.RequiresAdminApproval
	}
	if patch.Destructive != nil {
		set["destructive"] = *patch.Destructive
	}
	if patch.MinConfidence != nil {
		set["minConfidence"] = *patch.MinConfidence
	}
	if patch.MaxTargets != nil {
		set["maxTargets"] = *patch.MaxTargets
	}
	if patch.Notes != nil {
		set["notes"] = *patch.Notes
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated agentosmodels.PolicyRule
	err := s.col(global.MongoDB_ColNames.AgentPolicies).FindOneAndUpdate(ctx, bson.M{"_id": policyID}, bson.M{"$set": set}, opts).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("policy %s: %w", policyID, common.ErrNotFound)
	}
	if err != nil {
		return nil, common.ConvertStoreError(err)
	}
	return &updated, nil
}

func idempotencyDocID(tenantID, key string) string {
	return tenantID + "|" + key
}

func (s *MongoStore) GetIdempotent(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	filter := bson.M{"_id": idempotencyDocID(tenantID, key), "expiresAt": bson.M{"$gt": s.now()}}
	rec, err := findOne[idempotencyRecord](ctx, s.col(global.MongoDB_ColNames.AgentIdempotency), filter, "idempotency "+key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Response, true, nil
}

func (s *MongoStore) SetIdempotent(ctx context.Context, tenantID, key string, response []byte, ttl time.Duration) error {
	now := s.now()
	rec := idempotencyRecord{
		ID:        idempotencyDocID(tenantID, key),
		TenantID:  tenantID,
		Key:       key,
		Response:  response,
		CreatedAt: now.UnixNano(),
		ExpiresAt: now.Add(ttl),
	}
	col := s.col(global.MongoDB_ColNames.AgentIdempotency)
	if err := s.replace(ctx, global.MongoDB_ColNames.AgentIdempotency, rec.ID, rec); err != nil {
		return err
	}

	// Giữ tối đa MaxIdempotencyPerTenant bản ghi mới nhất
	count, err := col.CountDocuments(ctx, bson.M{"tenantId": tenantID})
	if err != nil {
		return common.ConvertStoreError(err)
	}
	over := count - MaxIdempotencyPerTenant
	if over <= 0 {
		return nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(over).SetProjection(bson.M{"_id": 1})
	oldest, err := findMany[sequenceDoc](ctx, col, bson.M{"tenantId": tenantID}, opts)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(oldest))
	for _, d := range oldest {
		ids = append(ids, d.ID)
	}
	_, err = col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return common.ConvertStoreError(err)
}

func (s *MongoStore) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.col(global.MongoDB_ColNames.AgentIdempotency).DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}})
	if err != nil {
		return 0, common.ConvertStoreError(err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) RunMetrics(ctx context.Context, tenantID string) (*agentosmodels.RunMetrics, error) {
	runs, err := s.ListRuns(ctx, tenantID, MetricsRunWindow)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	steps, err := findMany[agentosmodels.AgentStep](ctx, s.col(global.MongoDB_ColNames.AgentSteps), bson.M{"runId": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	return buildMetrics(runs, steps), nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return common.ConvertStoreError(s.db.Client().Ping(ctx, nil))
}

// Close không ngắt client, client do database.CloseInstance quản lý
func (s *MongoStore) Close() error {
	return nil
}
