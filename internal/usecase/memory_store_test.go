package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

const testRepositoryURI = "rsync://localhost/repository/"

// memoryDB はトランザクションごとにスナップショットを取り、ロールバックで元に戻すインメモリのデータベース。
type memoryDB struct {
	cas          map[int64]domain.CertificateAuthorityState
	certificates []domain.OutgoingCertificate
	audits       []*domain.CommandAudit
	cache        map[string]domain.ResourceSet
	nextID       int64
	nextCertID   int64

	// storeIDs はトランザクション内のストアからIDを払い出した回数。
	storeIDs int

	// saveErrors は Save が順に返すエラー。空になると通常どおり保存する。
	saveErrors   []error
	transactions int
	rollbacks    int
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		cas:    make(map[int64]domain.CertificateAuthorityState),
		cache:  make(map[string]domain.ResourceSet),
		nextID: 1000,
	}
}

type memorySnapshot struct {
	cas          map[int64]domain.CertificateAuthorityState
	certificates []domain.OutgoingCertificate
	audits       []*domain.CommandAudit
	cache        map[string]domain.ResourceSet
	nextID       int64
	nextCertID   int64
}

func (db *memoryDB) snapshot() memorySnapshot {
	s := memorySnapshot{
		cas:          make(map[int64]domain.CertificateAuthorityState, len(db.cas)),
		certificates: append([]domain.OutgoingCertificate(nil), db.certificates...),
		audits:       append([]*domain.CommandAudit(nil), db.audits...),
		cache:        make(map[string]domain.ResourceSet, len(db.cache)),
		nextID:       db.nextID,
		nextCertID:   db.nextCertID,
	}
	for k, v := range db.cas {
		s.cas[k] = v
	}
	for k, v := range db.cache {
		s.cache[k] = v
	}
	return s
}

func (db *memoryDB) restore(s memorySnapshot) {
	db.cas = s.cas
	db.certificates = s.certificates
	db.audits = s.audits
	db.cache = s.cache
	db.nextID = s.nextID
	db.nextCertID = s.nextCertID
}

// InTransaction は fn がエラーを返すかロールバック指定された場合に変更を破棄する。
func (db *memoryDB) InTransaction(ctx context.Context, status *domain.TransactionStatus, fn func(ctx context.Context, store domain.Store) error) error {
	db.transactions++
	before := db.snapshot()
	err := fn(ctx, &memoryStore{db: db})
	if err != nil || status.IsRollbackOnly() {
		db.rollbacks++
		db.restore(before)
	}
	return err
}

// put はCAを初期状態として直接登録する。
func (db *memoryDB) put(ca domain.CertificateAuthority) {
	db.cas[ca.VersionedID().ID] = ca.State()
}

func (db *memoryDB) load(id int64) domain.CertificateAuthority {
	s, ok := db.cas[id]
	if !ok {
		return nil
	}
	ca, err := domain.RestoreCertificateAuthority(s)
	if err != nil {
		panic(err)
	}
	return ca
}

func (db *memoryDB) loadManaged(id int64) *domain.ManagedCertificateAuthority {
	ca, _ := db.load(id).(*domain.ManagedCertificateAuthority)
	return ca
}

func (db *memoryDB) currentCertificatesFor(ski string) []domain.OutgoingCertificate {
	var out []domain.OutgoingCertificate
	for _, c := range db.certificates {
		if c.SubjectKeyIdentifier() == ski && c.IsCurrent() {
			out = append(out, c)
		}
	}
	return out
}

type memoryStore struct {
	db *memoryDB
}

func (s *memoryStore) CertificateAuthorities() domain.CertificateAuthorityRepository {
	return &memoryCertificateAuthorities{db: s.db}
}

func (s *memoryStore) ResourceCertificates() domain.ResourceCertificateStore {
	return &memoryCertificates{db: s.db}
}

func (s *memoryStore) CommandAudits() domain.CommandAuditRepository {
	return &memoryAudits{db: s.db}
}

func (s *memoryStore) ResourceCache() domain.ResourceCacheRepository {
	return &memoryCache{db: s.db}
}

func (s *memoryStore) NextID(ctx context.Context) (int64, error) {
	s.db.storeIDs++
	s.db.nextID++
	return s.db.nextID, nil
}

type memoryCertificateAuthorities struct {
	db *memoryDB
}

func (r *memoryCertificateAuthorities) FindByID(ctx context.Context, id int64) (domain.CertificateAuthority, error) {
	return r.db.load(id), nil
}

func (r *memoryCertificateAuthorities) FindByIDForUpdate(ctx context.Context, id int64) (domain.CertificateAuthority, error) {
	return r.db.load(id), nil
}

func (r *memoryCertificateAuthorities) FindByName(ctx context.Context, name string) (domain.CertificateAuthority, error) {
	for id, s := range r.db.cas {
		if s.Name == name {
			return r.db.load(id), nil
		}
	}
	return nil, nil
}

func (r *memoryCertificateAuthorities) FindAllResourcesCA(ctx context.Context) (*domain.ManagedCertificateAuthority, error) {
	for id, s := range r.db.cas {
		if s.Type == domain.CertificateAuthorityTypeAllResources {
			return r.db.loadManaged(id), nil
		}
	}
	return nil, nil
}

func (r *memoryCertificateAuthorities) FindChildIDs(ctx context.Context, parentID int64) ([]int64, error) {
	var ids []int64
	for id, s := range r.db.cas {
		if s.ParentID != nil && *s.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memoryCertificateAuthorities) findIDs(match func(domain.CertificateAuthorityState) bool) []domain.VersionedID {
	var ids []domain.VersionedID
	for _, s := range r.db.cas {
		if match(s) {
			ids = append(ids, s.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids
}

func (r *memoryCertificateAuthorities) FindManagedIDs(ctx context.Context) ([]domain.VersionedID, error) {
	return r.findIDs(func(s domain.CertificateAuthorityState) bool { return s.Type.IsManaged() }), nil
}

func (r *memoryCertificateAuthorities) FindManagedWithManifestAndCrlCheckNeeded(ctx context.Context) ([]domain.VersionedID, error) {
	return r.findIDs(func(s domain.CertificateAuthorityState) bool {
		return s.Type.IsManaged() && s.ManifestAndCrlCheckNeeded
	}), nil
}

func (r *memoryCertificateAuthorities) FindHostedWithoutKeyPairsCreatedBefore(ctx context.Context, before time.Time) ([]domain.VersionedID, error) {
	return r.findIDs(func(s domain.CertificateAuthorityState) bool {
		return s.Type == domain.CertificateAuthorityTypeHosted && len(s.KeyPairs) == 0 && s.CreatedAt.Before(before)
	}), nil
}

func (r *memoryCertificateAuthorities) Add(ctx context.Context, ca domain.CertificateAuthority) error {
	id := ca.VersionedID().ID
	if _, ok := r.db.cas[id]; ok {
		return fmt.Errorf("duplicate certificate authority %d", id)
	}
	r.db.cas[id] = ca.State()
	return nil
}

func (r *memoryCertificateAuthorities) Save(ctx context.Context, ca domain.CertificateAuthority) error {
	if len(r.db.saveErrors) > 0 {
		err := r.db.saveErrors[0]
		r.db.saveErrors = r.db.saveErrors[1:]
		return err
	}
	id := ca.VersionedID()
	stored, ok := r.db.cas[id.ID]
	if !ok || stored.ID.Version != id.Version {
		return fmt.Errorf("%w: certificate authority %s", domain.ErrOptimisticLock, id)
	}
	ca.SetVersion(id.Version + 1)
	r.db.cas[id.ID] = ca.State()
	return nil
}

func (r *memoryCertificateAuthorities) Delete(ctx context.Context, ca domain.CertificateAuthority) error {
	s, ok := r.db.cas[ca.VersionedID().ID]
	if !ok {
		return nil
	}
	for _, kp := range s.KeyPairs {
		if _, err := (&memoryCertificates{db: r.db}).DeleteOutgoingCertificatesForKeyPair(ctx, kp.ID); err != nil {
			return err
		}
	}
	delete(r.db.cas, s.ID.ID)
	return nil
}

type memoryCertificates struct {
	db *memoryDB
}

func (r *memoryCertificates) FindLatestOutgoingCertificate(ctx context.Context, ski string, signingKeyPairID int64) (*domain.OutgoingCertificate, error) {
	var latest *domain.OutgoingCertificate
	for i := range r.db.certificates {
		c := r.db.certificates[i]
		if c.SubjectKeyIdentifier() == ski && c.SigningKeyPairID == signingKeyPairID {
			if latest == nil || c.ID > latest.ID {
				latest = &c
			}
		}
	}
	return latest, nil
}

func (r *memoryCertificates) FindCurrentCertificatesBySubjectKey(ctx context.Context, ski string) ([]*domain.OutgoingCertificate, error) {
	var out []*domain.OutgoingCertificate
	for _, c := range r.db.currentCertificatesFor(ski) {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (r *memoryCertificates) CountNonExpiredOutgoingCertificates(ctx context.Context, ski string, signingKeyPairID int64) (int64, error) {
	var n int64
	for _, c := range r.db.certificates {
		if c.SubjectKeyIdentifier() == ski && c.SigningKeyPairID == signingKeyPairID && c.Status != domain.OutgoingCertificateStatusExpired {
			n++
		}
	}
	return n, nil
}

func (r *memoryCertificates) ExistsCurrentOutgoingCertificatesExceptForManifest(ctx context.Context, signingKeyPairID int64) (bool, error) {
	for _, c := range r.db.certificates {
		if c.SigningKeyPairID == signingKeyPairID && c.IsCurrent() && c.Kind != domain.OutgoingCertificateKindManifest {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryCertificates) Add(ctx context.Context, cert *domain.OutgoingCertificate) error {
	r.db.nextCertID++
	cert.ID = r.db.nextCertID
	r.db.certificates = append(r.db.certificates, *cert)
	return nil
}

func (r *memoryCertificates) Revoke(ctx context.Context, id int64, at time.Time) error {
	for i := range r.db.certificates {
		if r.db.certificates[i].ID == id {
			revokedAt := at
			r.db.certificates[i].Status = domain.OutgoingCertificateStatusRevoked
			r.db.certificates[i].RevokedAt = &revokedAt
		}
	}
	return nil
}

func (r *memoryCertificates) DeleteOutgoingCertificatesForKeyPair(ctx context.Context, signingKeyPairID int64) (int64, error) {
	kept := r.db.certificates[:0:0]
	var n int64
	for _, c := range r.db.certificates {
		if c.SigningKeyPairID == signingKeyPairID {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.db.certificates = kept
	return n, nil
}

type memoryAudits struct {
	db *memoryDB
}

func (r *memoryAudits) Add(ctx context.Context, audit *domain.CommandAudit) error {
	audit.ID = int64(len(r.db.audits) + 1)
	r.db.audits = append(r.db.audits, audit)
	return nil
}

func (r *memoryAudits) FindByCertificateAuthority(ctx context.Context, caID int64, limit int) ([]*domain.CommandAudit, error) {
	var out []*domain.CommandAudit
	for i := len(r.db.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if r.db.audits[i].CAID.ID == caID {
			out = append(out, r.db.audits[i])
		}
	}
	return out, nil
}

type memoryCache struct {
	db *memoryDB
}

func (r *memoryCache) Lookup(ctx context.Context, name string) (domain.ResourceSet, bool, error) {
	resources, ok := r.db.cache[name]
	return resources, ok, nil
}

func (r *memoryCache) Update(ctx context.Context, name string, resources domain.ResourceSet) error {
	r.db.cache[name] = resources
	return nil
}

// memorySequence はトランザクションの外で即時にコミットされるカウンタ。
type memorySequence struct {
	next      int64
	allocated []int64
}

func (s *memorySequence) NextID(ctx context.Context) (int64, error) {
	s.next++
	s.allocated = append(s.allocated, s.next)
	return s.next, nil
}

// fakeKeyPairs は鍵素材を生成せず、IDから決まる公開鍵を持つ鍵ペアを作る。
type fakeKeyPairs struct {
	now time.Time
	err error
}

func (f *fakeKeyPairs) Factory(ids IDAllocator) domain.KeyPairFactory {
	return &fakeKeyPairFactory{keyPairs: f, ids: ids}
}

type fakeKeyPairFactory struct {
	keyPairs *fakeKeyPairs
	ids      IDAllocator
}

func (f *fakeKeyPairFactory) CreateKeyPair(ctx context.Context) (*domain.KeyPair, error) {
	if f.keyPairs.err != nil {
		return nil, f.keyPairs.err
	}
	id, err := f.ids.NextID(ctx)
	if err != nil {
		return nil, err
	}
	return domain.NewKeyPair(id, fmt.Sprintf("key-%d", id), testPublicKey(id), []byte("encrypted"), f.keyPairs.now), nil
}

func testPublicKey(id int64) []byte {
	return []byte(fmt.Sprintf("public-key-%d", id))
}

type fakeEncoder struct {
	err error
}

func (e fakeEncoder) EncodeCertificate(ctx context.Context, signingKey *domain.KeyPair, cert domain.ResourceCertificate) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []byte(fmt.Sprintf("signed-by-%d:%s", signingKey.ID(), cert.Serial)), nil
}

// testEnvironment はディスパッチャ、コマンドサービスとインメモリDBを束ねる。
type testEnvironment struct {
	db         *memoryDB
	keyPairs   *fakeKeyPairs
	ids        *memorySequence
	dispatcher *Dispatcher
	commands   *CommandService
	clock      time.Time
}

func newTestEnvironment() *testEnvironment {
	env := &testEnvironment{
		db:       newMemoryDB(),
		keyPairs: &fakeKeyPairs{now: testNow},
		ids:      &memorySequence{next: 1000},
		clock:    testNow,
	}
	env.dispatcher = NewDispatcher(env.keyPairs, env.ids, fakeEncoder{}, DispatcherSettings{
		RepositoryURI:                       testRepositoryURI,
		IssuedCertificatesPerSignedKeyLimit: 10,
	})
	env.dispatcher.now = func() time.Time { return env.clock }
	audit := NewAuditService()
	audit.now = func() time.Time { return env.clock }
	env.commands = NewCommandService(env.db, env.dispatcher, audit, noopMetrics{},
		WithSleeper(func(time.Duration) {}),
		WithJitter(func(int) int { return 0 }))
	return env
}

// advance は時計を進め、新しく作られる鍵の作成時刻にも反映する。
func (env *testEnvironment) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
	env.keyPairs.now = env.clock
}

func (env *testEnvironment) execute(cmd domain.Command) (*domain.CommandStatus, error) {
	return env.commands.Execute(context.Background(), cmd)
}

func (env *testEnvironment) versioned(id int64) domain.CertificateAuthorityCommand {
	ca := env.db.load(id)
	if ca == nil {
		return domain.CertificateAuthorityCommand{CAID: domain.NewVersionedID(id)}
	}
	return domain.CertificateAuthorityCommand{CAID: ca.VersionedID()}
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommandDuration(string, time.Duration) {}
func (noopMetrics) IncTransactionRetries(string)                 {}
