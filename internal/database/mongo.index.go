package database

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"fleet_ops/internal/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexSpec là một index được suy ra từ struct tag `index`
type IndexSpec struct {
	Name    string
	Keys    bson.D
	Options *options.IndexOptions
}

// parseIndexTag tách tag dạng "single:1;compound:group,order:-1" thành danh sách cấu hình
func parseIndexTag(tag string) []map[string]string {
	result := []map[string]string{}
	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := map[string]string{}
		for _, sub := range strings.Split(part, ",") {
			kv := strings.SplitN(sub, ":", 2)
			if len(kv) == 2 {
				entry[kv[0]] = kv[1]
			} else {
				entry[kv[0]] = ""
			}
		}
		result = append(result, entry)
	}
	return result
}

// parseOrder đọc thứ tự sắp xếp, mặc định 1
func parseOrder(value string) int {
	if value == "-1" {
		return -1
	}
	return 1
}

// bsonFieldName lấy tên field bson (bỏ các option như omitempty)
func bsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("bson")
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

// BuildIndexSpecs suy ra danh sách index từ struct tag của model.
// Hỗ trợ: single:<order>, unique, sparse, ttl:<giây>, compound:<nhóm> (+order:-1).
// Tên nhóm compound chứa "_unique" sẽ tạo index unique.
func BuildIndexSpecs(model interface{}) []IndexSpec {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	specs := []IndexSpec{}
	compound := map[string]bson.D{}
	groups := []string{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("index")
		if tag == "" {
			continue
		}
		name := bsonFieldName(field)
		for _, cfg := range parseIndexTag(tag) {
			if group, ok := cfg["compound"]; ok {
				if _, seen := compound[group]; !seen {
					groups = append(groups, group)
				}
				compound[group] = append(compound[group], bson.E{Key: name, Value: parseOrder(cfg["order"])})
				continue
			}

			opts := options.Index()
			_, unique := cfg["unique"]
			if unique {
				opts.SetUnique(true)
			}
			if _, sparse := cfg["sparse"]; sparse {
				opts.SetSparse(true)
			}
			if ttl, ok := cfg["ttl"]; ok {
				if secs, err := strconv.Atoi(ttl); err == nil {
					opts.SetExpireAfterSeconds(int32(secs))
				}
			}
			order := parseOrder(cfg["single"])
			idxName := fmt.Sprintf("%s_%d", name, order)
			if unique {
				idxName += "_unique"
			}
			opts.SetName(idxName)
			specs = append(specs, IndexSpec{Name: idxName, Keys: bson.D{{Key: name, Value: order}}, Options: opts})
		}
	}

	sort.Strings(groups)
	for _, group := range groups {
		opts := options.Index().SetName(group)
		if strings.Contains(group, "_unique") {
			opts.SetUnique(true)
		}
		specs = append(specs, IndexSpec{Name: group, Keys: compound[group], Options: opts})
	}
	return specs
}

// compareIndex kiểm tra index đang có khớp với keys/options mong muốn
func compareIndex(existing bson.M, keys bson.D, opts *options.IndexOptions) bool {
	existingKeys, ok := existing["key"].(bson.M)
	if !ok || len(existingKeys) != len(keys) {
		return false
	}
	for _, key := range keys {
		want, _ := key.Value.(int)
		switch ev := existingKeys[key.Key].(type) {
		case int32:
			if int(ev) != want {
				return false
			}
		case int64:
			if int(ev) != want {
				return false
			}
		case float64:
			if int(ev) != want {
				return false
			}
		default:
			return false
		}
	}

	wantUnique := opts.Unique != nil && *opts.Unique
	gotUnique, _ := existing["unique"].(bool)
	if wantUnique != gotUnique {
		return false
	}
	if opts.ExpireAfterSeconds != nil {
		ttl, ok := existing["expireAfterSeconds"].(int32)
		if !ok || ttl != *opts.ExpireAfterSeconds {
			return false
		}
	}
	return true
}

// CreateIndexes tạo các index khai báo trên model. Index cùng tên nhưng khác cấu hình sẽ bị drop và tạo lại.
func CreateIndexes(ctx context.Context, collection *mongo.Collection, model interface{}) error {
	return EnsureIndexes(ctx, collection, BuildIndexSpecs(model))
}

// EnsureIndexes đảm bảo collection có đúng các index cho trước
func EnsureIndexes(ctx context.Context, collection *mongo.Collection, specs []IndexSpec) error {
	log := logger.GetAppLogger().WithField("collection", collection.Name())

	cursor, err := collection.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	var existing []bson.M
	if err := cursor.All(ctx, &existing); err != nil {
		return fmt.Errorf("failed to decode indexes: %w", err)
	}
	byName := map[string]bson.M{}
	for _, idx := range existing {
		if name, ok := idx["name"].(string); ok {
			byName[name] = idx
		}
	}

	for _, spec := range specs {
		if current, ok := byName[spec.Name]; ok {
			if compareIndex(current, spec.Keys, spec.Options) {
				continue
			}
			log.WithField("index", spec.Name).Warn("Index mismatch, recreating")
			if _, err := collection.Indexes().DropOne(ctx, spec.Name); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", spec.Name, err)
			}
		}
		if _, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: spec.Keys, Options: spec.Options}); err != nil {
			return fmt.Errorf("failed to create index %s: %w", spec.Name, err)
		}
		log.WithField("index", spec.Name).Debug("Index created")
	}
	return nil
}
