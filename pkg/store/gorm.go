package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"

	"deckhand/pkg/db"
	"deckhand/pkg/model"
)

type nodeRow struct {
	Name        string            `gorm:"column:name;primaryKey;size:253"`
	Address     string            `gorm:"column:address;size:255;uniqueIndex"`
	PeerAddress string            `gorm:"column:peer_address;size:255"`
	SubnetCIDR  string            `gorm:"column:subnet_cidr;size:64;uniqueIndex"`
	Port        int               `gorm:"column:port"`
	User        string            `gorm:"column:user;size:64"`
	KeyRef      string            `gorm:"column:key_ref;size:1024"`
	Labels      map[string]string `gorm:"column:labels;type:text;serializer:json"`
	Health      string            `gorm:"column:health;size:16"`
	Message     string            `gorm:"column:message;type:text"`
	Cordoned    bool              `gorm:"column:cordoned"`
	AgentBuild  string            `gorm:"column:agent_build;size:64"`
	LastContact *time.Time        `gorm:"column:last_contact"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (nodeRow) TableName() string { return "nodes" }

type resourceRow struct {
	Kind      string    `gorm:"column:kind;primaryKey;size:32"`
	Namespace string    `gorm:"column:namespace;primaryKey;size:63"`
	Name      string    `gorm:"column:name;primaryKey;size:253"`
	Manifest  []byte    `gorm:"column:manifest"`
	Hash      string    `gorm:"column:hash;size:64"`
	Version   int64     `gorm:"column:version"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (resourceRow) TableName() string { return "resources" }

type deploymentRow struct {
	Kind        string    `gorm:"column:kind;primaryKey;size:32"`
	Namespace   string    `gorm:"column:namespace;primaryKey;size:63"`
	Name        string    `gorm:"column:name;primaryKey;size:253"`
	Node        string    `gorm:"column:node;primaryKey;size:253"`
	AppliedHash string    `gorm:"column:applied_hash;size:64"`
	LastResult  string    `gorm:"column:last_result;size:16"`
	LastError   string    `gorm:"column:last_error;type:text"`
	Pending     bool      `gorm:"column:pending"`
	LastAttempt time.Time `gorm:"column:last_attempt"`
}

func (deploymentRow) TableName() string { return "deployments" }

type auditRow struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	RunID     string    `gorm:"column:run_id;size:36;index"`
	Actor     string    `gorm:"column:actor;size:64"`
	Action    string    `gorm:"column:action;size:32"`
	Target    string    `gorm:"column:target;size:512"`
	Detail    string    `gorm:"column:detail;type:text"`
	Timestamp time.Time `gorm:"column:timestamp;index"`
}

func (auditRow) TableName() string { return "audit" }

// GormStore persists the ledger through gorm (sqlite or mysql).
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens the ledger database and migrates its schema.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	gdb, err := db.Open(driver, dsn, &nodeRow{}, &resourceRow{}, &deploymentRow{}, &auditRow{})
	if err != nil {
		return nil, err
	}
	return &GormStore{db: gdb}, nil
}

func (s *GormStore) RegisterNode(ctx context.Context, n model.Node, replace bool) (model.Node, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []nodeRow
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		existing := make([]model.Node, len(rows))
		for i, r := range rows {
			existing[i] = r.node()
		}
		checked, err := checkNode(existing, n, replace)
		if err != nil {
			return err
		}
		n = checked
		for _, r := range rows {
			if r.Name == n.Name {
				n.CreatedAt = r.CreatedAt
			}
		}
		row := toNodeRow(n)
		return tx.Save(&row).Error
	})
	return n, err
}

func (s *GormStore) UpdateNode(ctx context.Context, n model.Node) error {
	row := toNodeRow(n)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&nodeRow{}).Where("name = ?", n.Name).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return model.ErrNotFound
		}
		return tx.Model(&nodeRow{}).Where("name = ?", n.Name).Select("*").Omit("name", "created_at").Updates(&row).Error
	})
}

func (s *GormStore) GetNode(ctx context.Context, name string) (model.Node, error) {
	var row nodeRow
	if err := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error; err != nil {
		return model.Node{}, notFound(err)
	}
	return row.node(), nil
}

func (s *GormStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Node, len(rows))
	for i, r := range rows {
		out[i] = r.node()
	}
	return out, nil
}

func (s *GormStore) DeleteNode(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&nodeRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *GormStore) GetResource(ctx context.Context, key model.ResourceKey) (model.ResourceRecord, error) {
	tx := s.db.WithContext(ctx)
	var row resourceRow
	if err := tx.Where(keyCond(key)).Take(&row).Error; err != nil {
		return model.ResourceRecord{}, notFound(err)
	}
	var deps []deploymentRow
	if err := tx.Where(keyCond(key)).Find(&deps).Error; err != nil {
		return model.ResourceRecord{}, err
	}
	return row.record(deps), nil
}

func (s *GormStore) ListResources(ctx context.Context, filter model.ResourceFilter) ([]model.ResourceRecord, error) {
	tx := s.db.WithContext(ctx)
	q := tx.Model(&resourceRow{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.Namespace != "" {
		q = q.Where("namespace = ?", filter.Namespace)
	}
	var rows []resourceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	var deps []deploymentRow
	if err := tx.Find(&deps).Error; err != nil {
		return nil, err
	}
	byKey := make(map[model.ResourceKey][]deploymentRow)
	for _, d := range deps {
		k := model.ResourceKey{Kind: model.Kind(d.Kind), Name: d.Name, Namespace: d.Namespace}
		byKey[k] = append(byKey[k], d)
	}
	var out []model.ResourceRecord
	for _, r := range rows {
		rec := r.record(byKey[r.key()])
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (s *GormStore) PutResource(ctx context.Context, rec model.ResourceRecord) (model.ResourceRecord, error) {
	var stored resourceRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(keyCond(rec.Key)).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if rec.Version != 0 {
				return staleRecord(rec.Key)
			}
			stored = toResourceRow(rec)
			stored.Version = 1
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}
		res := tx.Model(&resourceRow{}).
			Where(keyCond(rec.Key)).
			Where("version = ?", rec.Version).
			Updates(map[string]any{
				"manifest":   rec.Manifest,
				"hash":       rec.Hash,
				"version":    rec.Version + 1,
				"updated_at": rec.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return staleRecord(rec.Key)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	return s.GetResource(ctx, rec.Key)
}

func (s *GormStore) DeleteResource(ctx context.Context, key model.ResourceKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(keyCond(key)).Delete(&deploymentRow{}).Error; err != nil {
			return err
		}
		res := tx.Where(keyCond(key)).Delete(&resourceRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) PutDeployment(ctx context.Context, key model.ResourceKey, d model.Deployment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&resourceRow{}).Where(keyCond(key)).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return model.ErrNotFound
		}
		row := deploymentRow{
			Kind: string(key.Kind), Namespace: key.Namespace, Name: key.Name, Node: d.Node,
			AppliedHash: d.AppliedHash, LastResult: string(d.LastResult), LastError: d.LastError,
			Pending: d.Pending, LastAttempt: d.LastAttempt,
		}
		return tx.Save(&row).Error
	})
}

func (s *GormStore) DeleteDeployment(ctx context.Context, key model.ResourceKey, node string) error {
	return s.db.WithContext(ctx).Where(keyCond(key)).Where("node = ?", node).Delete(&deploymentRow{}).Error
}

func (s *GormStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	row := auditRow{RunID: e.RunID, Actor: e.Actor, Action: e.Action, Target: e.Target, Detail: e.Detail, Timestamp: e.Timestamp}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = model.AuditEntry{RunID: r.RunID, Actor: r.Actor, Action: r.Action, Target: r.Target, Detail: r.Detail, Timestamp: r.Timestamp}
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func keyCond(key model.ResourceKey) map[string]any {
	return map[string]any{"kind": string(key.Kind), "namespace": key.Namespace, "name": key.Name}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

func toNodeRow(n model.Node) nodeRow {
	row := nodeRow{
		Name: n.Name, Address: n.Address, PeerAddress: n.PeerAddress, SubnetCIDR: n.SubnetCIDR,
		Port: n.Port, User: n.User, KeyRef: n.KeyRef, Labels: n.Labels, Health: string(n.Health), Message: n.Message,
		Cordoned: n.Cordoned, AgentBuild: n.AgentBuild, CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
	}
	if !n.LastContact.IsZero() {
		t := n.LastContact
		row.LastContact = &t
	}
	return row
}

func (r nodeRow) node() model.Node {
	n := model.Node{
		Name: r.Name, Address: r.Address, PeerAddress: r.PeerAddress, SubnetCIDR: r.SubnetCIDR,
		Port: r.Port, User: r.User, KeyRef: r.KeyRef, Labels: r.Labels, Health: model.NodeHealth(r.Health), Message: r.Message,
		Cordoned: r.Cordoned, AgentBuild: r.AgentBuild, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.LastContact != nil {
		n.LastContact = *r.LastContact
	}
	return n
}

func toResourceRow(rec model.ResourceRecord) resourceRow {
	return resourceRow{
		Kind: string(rec.Key.Kind), Namespace: rec.Key.Namespace, Name: rec.Key.Name,
		Manifest: rec.Manifest, Hash: rec.Hash, Version: rec.Version,
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
	}
}

func (r resourceRow) key() model.ResourceKey {
	return model.ResourceKey{Kind: model.Kind(r.Kind), Name: r.Name, Namespace: r.Namespace}
}

func (r resourceRow) record(deps []deploymentRow) model.ResourceRecord {
	rec := model.ResourceRecord{
		Key: r.key(), Manifest: r.Manifest, Hash: r.Hash, Version: r.Version,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		Deployments: make(map[string]model.Deployment, len(deps)),
	}
	for _, d := range deps {
		rec.Deployments[d.Node] = model.Deployment{
			Node: d.Node, AppliedHash: d.AppliedHash, LastResult: model.Outcome(d.LastResult),
			LastError: d.LastError, Pending: d.Pending, LastAttempt: d.LastAttempt,
		}
	}
	return rec
}
