package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingVisitor struct {
	visited []string
	context *CommandContext
}

func (v *recordingVisitor) VisitIncomingCertificateUpdated(e IncomingCertificateUpdatedEvent, cc *CommandContext) {
	v.visited = append(v.visited, e.EventType())
	v.context = cc
}

func (v *recordingVisitor) VisitKeyPairActivated(e KeyPairActivatedEvent, cc *CommandContext) {
	v.visited = append(v.visited, e.EventType())
	v.context = cc
}

func (v *recordingVisitor) VisitIncomingCertificateRevoked(e IncomingCertificateRevokedEvent, cc *CommandContext) {
	v.visited = append(v.visited, e.EventType())
	v.context = cc
}

func TestEventScope_DeliversInPublicationOrder(t *testing.T) {
	scope := NewEventScope()
	var first, second []string
	scope.Subscribe(func(e Event) { first = append(first, e.EventType()) })
	scope.Subscribe(func(e Event) { second = append(second, e.EventType()) })

	id := NewVersionedID(1)
	scope.Publish(KeyPairActivatedEvent{CAID: id})
	scope.Publish(IncomingCertificateUpdatedEvent{CAID: id})
	scope.Publish(IncomingCertificateRevokedEvent{CAID: id})

	want := []string{"KeyPairActivatedEvent", "IncomingCertificateUpdatedEvent", "IncomingCertificateRevokedEvent"}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
	assert.Equal(t, 3, scope.Published())
}

func TestEventScope_CloseAndReset(t *testing.T) {
	scope := NewEventScope()
	var received int
	sub := scope.Subscribe(func(Event) { received++ })
	other := scope.Subscribe(func(Event) { received++ })

	sub.Close()
	sub.Close()
	scope.Publish(KeyPairActivatedEvent{})
	assert.Equal(t, 1, received)
	assert.Equal(t, 1, scope.Subscribers())

	scope.Reset()
	scope.Publish(KeyPairActivatedEvent{})
	assert.Equal(t, 1, received)
	assert.Equal(t, 0, scope.Subscribers())

	// Reset 後に残った購読への参照は何も受け取らない
	other.Close()
	assert.Equal(t, 1, scope.Published())
}

func TestSubscribeVisitor(t *testing.T) {
	scope := NewEventScope()
	cmd := KeyManagementRevokeOldKeysCommand{CertificateAuthorityCommand{CAID: NewVersionedID(3)}}
	cc := NewCommandContext(cmd, testNow)
	visitor := &recordingVisitor{}
	sub := SubscribeVisitor(scope, visitor, cc)
	defer sub.Close()

	scope.Publish(IncomingCertificateRevokedEvent{CAID: cmd.CAID, KeyIdentifier: "abc"})

	require.Equal(t, []string{"IncomingCertificateRevokedEvent"}, visitor.visited)
	assert.Same(t, cc, visitor.context)
}

func TestEventSummaries(t *testing.T) {
	cert := testIncomingCertificate(1, MustParseResourceSet("10.0.0.0/8"))

	assert.Equal(t, "Updated incoming certificate serial=1 resources=10.0.0.0/8.",
		IncomingCertificateUpdatedEvent{Certificate: *cert}.Summary())
	assert.Equal(t, "Activated key pair abc.", KeyPairActivatedEvent{KeyIdentifier: "abc"}.Summary())
	assert.Equal(t, "Revoked key abc (no incoming certificate).", IncomingCertificateRevokedEvent{KeyIdentifier: "abc"}.Summary())
	assert.Contains(t, IncomingCertificateRevokedEvent{Certificate: cert, PublicationURI: cert.PublicationURI}.Summary(), cert.PublicationURI)
}

func TestCommandContext_EventsAreCopied(t *testing.T) {
	cc := NewCommandContext(DeleteCertificateAuthorityCommand{CertificateAuthorityCommand{CAID: NewVersionedID(1)}}, testNow)
	cc.RecordEvent(KeyPairActivatedEvent{KeyPairID: 1})
	cc.RecordEvent(KeyPairActivatedEvent{KeyPairID: 2})

	events := cc.Events()
	events[0] = nil

	require.Len(t, cc.Events(), 2)
	assert.Equal(t, KeyPairActivatedEvent{KeyPairID: 1}, cc.Events()[0])
}

func TestCommandStatus(t *testing.T) {
	status := NewCommandStatus()
	assert.True(t, status.HasEffect)

	tx := &TransactionStatus{}
	assert.False(t, tx.IsRollbackOnly())
	tx.SetRollbackOnly()
	assert.True(t, tx.IsRollbackOnly())
}

func TestCommandIdentity(t *testing.T) {
	cmd := KeyManagementActivatePendingKeysCommand{CertificateAuthorityCommand: CertificateAuthorityCommand{CAID: VersionedID{ID: 4, Version: 2}}}

	assert.Equal(t, CommandGroupSystem, cmd.CommandGroup())
	assert.Equal(t, "KeyManagementActivatePendingKeysCommand", cmd.CommandType())
	assert.Equal(t, "4:2", cmd.CertificateAuthorityID().String())
	assert.Equal(t, CommandGroupUser, DeleteCertificateAuthorityCommand{}.CommandGroup())
}
