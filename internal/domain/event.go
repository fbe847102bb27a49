package domain

import "fmt"

// Event はCAの状態変化を表す不変の記録。状態変化ごとにちょうど1回発行され、再生されない。
type Event interface {
	CertificateAuthorityID() VersionedID
	EventType() string
	Summary() string
	Accept(v EventVisitor, cc *CommandContext)
}

// EventVisitor はドメインイベントの購読者。
type EventVisitor interface {
	VisitIncomingCertificateUpdated(e IncomingCertificateUpdatedEvent, cc *CommandContext)
	VisitKeyPairActivated(e KeyPairActivatedEvent, cc *CommandContext)
	VisitIncomingCertificateRevoked(e IncomingCertificateRevokedEvent, cc *CommandContext)
}

// EventPublisher は集約の操作がイベントを発行する先。
type EventPublisher interface {
	Publish(e Event)
}

// IncomingCertificateUpdatedEvent はCURRENT鍵の受領証明書が更新されたことを表す。
type IncomingCertificateUpdatedEvent struct {
	CAID        VersionedID
	Certificate IncomingCertificate
}

func (e IncomingCertificateUpdatedEvent) CertificateAuthorityID() VersionedID { return e.CAID }
func (e IncomingCertificateUpdatedEvent) EventType() string {
	return "IncomingCertificateUpdatedEvent"
}
func (e IncomingCertificateUpdatedEvent) Summary() string {
	return fmt.Sprintf("Updated incoming certificate serial=%s resources=%s.", e.Certificate.Serial, e.Certificate.Resources)
}
func (e IncomingCertificateUpdatedEvent) Accept(v EventVisitor, cc *CommandContext) {
	v.VisitIncomingCertificateUpdated(e, cc)
}

// KeyPairActivatedEvent はPENDINGの鍵がCURRENTになったことを表す。
type KeyPairActivatedEvent struct {
	CAID          VersionedID
	KeyPairID     int64
	KeyIdentifier string
}

func (e KeyPairActivatedEvent) CertificateAuthorityID() VersionedID { return e.CAID }
func (e KeyPairActivatedEvent) EventType() string                   { return "KeyPairActivatedEvent" }
func (e KeyPairActivatedEvent) Summary() string {
	return fmt.Sprintf("Activated key pair %s.", e.KeyIdentifier)
}
func (e KeyPairActivatedEvent) Accept(v EventVisitor, cc *CommandContext) {
	v.VisitKeyPairActivated(e, cc)
}

// IncomingCertificateRevokedEvent は受領証明書が失効したことを表す。
// 監査用に失効前の証明書と公開URIを保持する。
type IncomingCertificateRevokedEvent struct {
	CAID           VersionedID
	KeyIdentifier  string
	PublicationURI string
	Certificate    *IncomingCertificate
}

func (e IncomingCertificateRevokedEvent) CertificateAuthorityID() VersionedID { return e.CAID }
func (e IncomingCertificateRevokedEvent) EventType() string {
	return "IncomingCertificateRevokedEvent"
}
func (e IncomingCertificateRevokedEvent) Summary() string {
	if e.Certificate == nil {
		return fmt.Sprintf("Revoked key %s (no incoming certificate).", e.KeyIdentifier)
	}
	return fmt.Sprintf("Revoked incoming certificate serial=%s uri=%s.", e.Certificate.Serial, e.PublicationURI)
}
func (e IncomingCertificateRevokedEvent) Accept(v EventVisitor, cc *CommandContext) {
	v.VisitIncomingCertificateRevoked(e, cc)
}

// EventScope は1回のコマンド実行に閉じたイベント配信の範囲。
// 購読者には発行順に配信される。並行利用は想定しない。
type EventScope struct {
	subscriptions []*EventSubscription
	published     int
}

// EventSubscription はEventScopeへの購読。Closeで配信が止まる。
type EventSubscription struct {
	scope   *EventScope
	handler func(Event)
	closed  bool
}

// NewEventScope は空のスコープを生成する。
func NewEventScope() *EventScope {
	return &EventScope{}
}

// Subscribe はハンドラを登録する。
func (s *EventScope) Subscribe(handler func(Event)) *EventSubscription {
	sub := &EventSubscription{scope: s, handler: handler}
	s.subscriptions = append(s.subscriptions, sub)
	return sub
}

// Publish は登録済みの購読者へ登録順に配信する。
func (s *EventScope) Publish(e Event) {
	s.published++
	for _, sub := range s.subscriptions {
		if !sub.closed {
			sub.handler(e)
		}
	}
}

// Published はこのスコープで発行されたイベント数を返す。
func (s *EventScope) Published() int {
	return s.published
}

// Subscribers は有効な購読者の数を返す。
func (s *EventScope) Subscribers() int {
	n := 0
	for _, sub := range s.subscriptions {
		if !sub.closed {
			n++
		}
	}
	return n
}

// Reset は全ての購読を解除し、スコープを空に戻す。
func (s *EventScope) Reset() {
	for _, sub := range s.subscriptions {
		sub.closed = true
	}
	s.subscriptions = nil
	s.published = 0
}

// Close は購読を解除する。何度呼んでもよい。
func (sub *EventSubscription) Close() {
	sub.closed = true
}

// SubscribeVisitor はビジターをコマンドコンテキスト付きで購読させる。
func SubscribeVisitor(s *EventScope, v EventVisitor, cc *CommandContext) *EventSubscription {
	return s.Subscribe(func(e Event) { e.Accept(v, cc) })
}
