package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

const testRepositoryURI = "rsync://localhost/repository/"

// fakeCertificates はメモリ上の ResourceCertificateRepository。
type fakeCertificates struct {
	outgoing []*OutgoingCertificate
	nextID   int64
	err      error
}

func (f *fakeCertificates) FindLatestOutgoingCertificate(ctx context.Context, ski string, signingKeyPairID int64) (*OutgoingCertificate, error) {
	if f.err != nil {
		return nil, f.err
	}
	var latest *OutgoingCertificate
	for _, c := range f.outgoing {
		if c.SubjectKeyIdentifier() == ski && c.SigningKeyPairID == signingKeyPairID {
			if latest == nil || c.ID > latest.ID {
				latest = c
			}
		}
	}
	return latest, nil
}

func (f *fakeCertificates) FindCurrentCertificatesBySubjectKey(ctx context.Context, ski string) ([]*OutgoingCertificate, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*OutgoingCertificate
	for _, c := range f.outgoing {
		if c.SubjectKeyIdentifier() == ski && c.IsCurrent() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCertificates) CountNonExpiredOutgoingCertificates(ctx context.Context, ski string, signingKeyPairID int64) (int64, error) {
	var n int64
	for _, c := range f.outgoing {
		if c.SubjectKeyIdentifier() == ski && c.SigningKeyPairID == signingKeyPairID && c.Status != OutgoingCertificateStatusExpired {
			n++
		}
	}
	return n, f.err
}

func (f *fakeCertificates) ExistsCurrentOutgoingCertificatesExceptForManifest(ctx context.Context, signingKeyPairID int64) (bool, error) {
	for _, c := range f.outgoing {
		if c.SigningKeyPairID == signingKeyPairID && c.IsCurrent() && c.Kind != OutgoingCertificateKindManifest {
			return true, f.err
		}
	}
	return false, f.err
}

func (f *fakeCertificates) Add(ctx context.Context, cert *OutgoingCertificate) error {
	if f.err != nil {
		return f.err
	}
	f.nextID++
	cert.ID = f.nextID
	f.outgoing = append(f.outgoing, cert)
	return nil
}

func (f *fakeCertificates) Revoke(ctx context.Context, id int64, at time.Time) error {
	for _, c := range f.outgoing {
		if c.ID == id {
			c.Status = OutgoingCertificateStatusRevoked
			revokedAt := at
			c.RevokedAt = &revokedAt
		}
	}
	return f.err
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeCertificate(ctx context.Context, signingKey *KeyPair, cert ResourceCertificate) ([]byte, error) {
	return []byte(fmt.Sprintf("signed-by-%d:%s", signingKey.ID(), cert.Serial)), nil
}

// eventRecorder は発行されたイベントを記録する EventPublisher。
type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Publish(e Event) {
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(eventType string) int {
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

type fakeKeyPairFactory struct {
	nextID int64
	now    time.Time
}

func (f *fakeKeyPairFactory) CreateKeyPair(ctx context.Context) (*KeyPair, error) {
	f.nextID++
	return NewKeyPair(f.nextID, fmt.Sprintf("key-%d", f.nextID), testPublicKey(f.nextID), []byte("encrypted"), f.now), nil
}

// fakeRequestCreator は鍵ロールの判定と要求の組み立てを単純化した CertificateRequestCreator。
type fakeRequestCreator struct {
	factory *fakeKeyPairFactory
}

func (c *fakeRequestCreator) request(ca *ManagedCertificateAuthority, kp *KeyPair, resources ResourceSet) CertificateIssuanceRequest {
	return CertificateIssuanceRequest{
		SubjectPublicKey: kp.PublicKey(),
		SubjectDN:        "CN=" + ca.UUID().String(),
		Resources:        resources,
		SIA: []AccessDescriptor{
			{Method: AccessMethodCARepository, Location: testRepositoryURI + ca.UUID().String() + "/"},
			{Method: AccessMethodManifest, Location: testRepositoryURI + ca.UUID().String() + "/" + kp.EncodedKeyIdentifier() + ".mft"},
		},
	}
}

func (c *fakeRequestCreator) InitiateKeyRoll(ctx context.Context, ca *ManagedCertificateAuthority, maxAgeDays int) (*CertificateIssuanceRequest, error) {
	if !KeyRollNeeded(ca, maxAgeDays) {
		return nil, nil
	}
	cert, ok := ca.FindCurrentIncomingCertificate()
	if !ok {
		return nil, nil
	}
	kp, err := ca.CreateNewKeyPair(ctx, c.factory)
	if err != nil {
		return nil, err
	}
	r := c.request(ca, kp, cert.Resources)
	return &r, nil
}

func (c *fakeRequestCreator) CreateCertificateIssuanceRequestForNewKeyPair(ctx context.Context, ca *ManagedCertificateAuthority, resources ResourceSet) (CertificateIssuanceRequest, error) {
	kp, err := ca.CreateNewKeyPair(ctx, c.factory)
	if err != nil {
		return CertificateIssuanceRequest{}, err
	}
	return c.request(ca, kp, resources), nil
}

func (c *fakeRequestCreator) CreateCertificateIssuanceRequestForAllKeys(ca *ManagedCertificateAuthority, resources ResourceSet) []CertificateIssuanceRequest {
	var out []CertificateIssuanceRequest
	for _, kp := range ca.KeyPairs() {
		if kp.IsNew() || kp.IsPending() || kp.IsCurrent() {
			out = append(out, c.request(ca, kp, resources))
		}
	}
	return out
}

func (c *fakeRequestCreator) CreateCertificateRevocationRequestForAllKeys(ca *ManagedCertificateAuthority) []CertificateRevocationRequest {
	var out []CertificateRevocationRequest
	for _, kp := range ca.KeyPairs() {
		if !kp.IsRevoked() {
			out = append(out, CertificateRevocationRequest{SubjectPublicKey: kp.PublicKey()})
		}
	}
	return out
}

func (c *fakeRequestCreator) CreateCertificateRevocationRequestForOldKey(ca *ManagedCertificateAuthority) (CertificateRevocationRequest, error) {
	kp, ok := ca.FindOldKeyPair()
	if !ok {
		return CertificateRevocationRequest{}, fmt.Errorf("%w: cannot find an OLD key pair", ErrKeyPairNotFound)
	}
	return CertificateRevocationRequest{SubjectPublicKey: kp.PublicKey()}, nil
}

// fakeDeletion は失効済みの鍵ペアをそのまま集約から取り除く。
type fakeDeletion struct {
	deleted []string
}

func (d *fakeDeletion) DeleteRevokedKeysFromResponses(ctx context.Context, ca *ManagedCertificateAuthority, responses []CertificateRevocationResponse) error {
	for _, r := range responses {
		ski := KeyIdentifier(r.SubjectPublicKey)
		if _, err := ca.DeleteRevokedKey(ski, func(*KeyPair) error { return nil }); err != nil {
			return err
		}
		d.deleted = append(d.deleted, ski)
	}
	return nil
}

func testPublicKey(id int64) []byte {
	return []byte(fmt.Sprintf("public-key-%d", id))
}

func newTestCA(t *testing.T, caType CertificateAuthorityType) *ManagedCertificateAuthority {
	t.Helper()
	var parent *int64
	if caType != CertificateAuthorityTypeAllResources {
		id := int64(1)
		parent = &id
	}
	ca, err := NewManagedCertificateAuthority(100, caType, "CN=test", parent, testNow)
	require.NoError(t, err)
	ca.SetClock(func() time.Time { return testNow })
	return ca
}

// addKeyPair は指定ステータスの鍵ペアを集約に加える。PENDING以降は受領証明書を持つ。
func addKeyPair(ca *ManagedCertificateAuthority, id int64, status KeyPairStatus, createdAt time.Time, resources ResourceSet) *KeyPair {
	state := KeyPairState{
		ID:              id,
		Name:            fmt.Sprintf("key-%d", id),
		Status:          status,
		PublicKey:       testPublicKey(id),
		CreatedAt:       createdAt,
		StatusChangedAt: map[KeyPairStatus]time.Time{KeyPairStatusNew: createdAt, status: createdAt},
	}
	if status != KeyPairStatusNew && status != KeyPairStatusRevoked {
		state.Incoming = testIncomingCertificate(id, resources)
	}
	kp := RestoreKeyPair(state)
	ca.AddKeyPair(kp)
	return kp
}

func testIncomingCertificate(id int64, resources ResourceSet) *IncomingCertificate {
	return &IncomingCertificate{
		ResourceCertificate: ResourceCertificate{
			Serial:           fmt.Sprintf("%d", id),
			SubjectPublicKey: testPublicKey(id),
			Resources:        resources,
			Validity:         StandardValidityPeriod(testNow),
			SIA: []AccessDescriptor{
				{Method: AccessMethodCARepository, Location: fmt.Sprintf("%sca-%d/", testRepositoryURI, id)},
			},
		},
		PublicationURI: fmt.Sprintf("%sparent/%d.cer", testRepositoryURI, id),
	}
}

func countCurrent(ca *ManagedCertificateAuthority) int {
	n := 0
	for _, kp := range ca.KeyPairs() {
		if kp.IsCurrent() {
			n++
		}
	}
	return n
}
