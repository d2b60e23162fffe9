// Package identity はホスト型認証プロバイダーを包むセッション/アイデンティティゲートウェイを提供する。
// 現在のセッションとユーザーを観測可能な状態として公開する。
package identity

import (
	"sync"

	"github.com/hitoshi/resortpay/internal/model"
)

// State はゲートウェイの認証状態。
type State int

const (
	// StateUnauthenticated は有効なセッションがない状態。
	StateUnauthenticated State = iota
	// StateAuthenticating はサインインの応答待ちの状態。
	StateAuthenticating
	// StateAuthenticated は有効なセッションを保持している状態。
	StateAuthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Event は購読者に通知される変更の種類。
type Event string

// 通知イベント。SIGN_IN_STARTEDとSIGN_IN_FAILEDはAuthenticatingへの出入りを表す。
const (
	EventSignInStarted  Event = "SIGN_IN_STARTED"
	EventSignInFailed   Event = "SIGN_IN_FAILED"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
	EventSessionExpired Event = "SESSION_EXPIRED"
)

// Change は購読者に渡される変更内容。変更後の状態のスナップショットを含む。
type Change struct {
	Event   Event
	From    State
	State   State
	Session *model.Session
	User    *model.User
}

type listener struct {
	id uint64
	fn func(Change)
}

// Store はゲートウェイインスタンスごとのセッションストア。
// 書き込みはwriteMuで直列化し、購読者への通知は書き込み操作の中で同期的に、購読順に行う。
// そのため通知の順序が入れ替わることはない。
// 購読者のコールバックからStoreやGatewayの変更操作を呼んではならない（デッドロックする）。
// 参照系（State/Session/User）とSubscribeは呼んでよい。
//
// 保持するSessionとUserは置き換えのみ行い、書き換えない。
type Store struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	state   State
	session *model.Session
	user    *model.User
	pending int

	listenersMu sync.Mutex
	listeners   []listener
	nextID      uint64
}

// NewStore は未認証状態のStoreを生成する。
func NewStore() *Store {
	return &Store{}
}

// State は現在の認証状態を返す。
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session は現在のセッションを返す。未認証の場合はnil。
func (s *Store) Session() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// User はキャッシュ済みのユーザーを返す。未認証の場合はnil。
func (s *Store) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Subscribe は変更通知のコールバックを登録し、登録解除関数を返す。
// 登録解除関数は複数回呼んでも安全。
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// mutate は書き込みロックの下でfnを実行し、fnが返したイベントがあれば購読者に通知する。
func (s *Store) mutate(fn func() (Event, bool)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	from := s.state
	event, changed := fn()
	change := Change{Event: event, From: from, State: s.state, Session: s.session, User: s.user}
	s.mu.Unlock()

	if !changed {
		return
	}

	s.listenersMu.Lock()
	snapshot := make([]listener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range snapshot {
		l.fn(change)
	}
}

// beginAuth はサインイン試行の開始を記録する。
// 未認証からの開始時のみAuthenticatingへ遷移する。並行する試行は同じ状態を共有する。
func (s *Store) beginAuth() {
	s.mutate(func() (Event, bool) {
		s.pending++
		if s.state != StateUnauthenticated {
			return "", false
		}
		s.state = StateAuthenticating
		return EventSignInStarted, true
	})
}

// completeAuth はサインイン試行の成功を記録する。後から届いた成功応答が前の応答を上書きする。
func (s *Store) completeAuth(session *model.Session) {
	s.mutate(func() (Event, bool) {
		if s.pending > 0 {
			s.pending--
		}
		s.session = session
		s.user = session.User
		s.state = StateAuthenticated
		return EventSignedIn, true
	})
}

// failAuth はサインイン試行の失敗を記録する。
// 進行中の試行がすべて失敗した場合のみ未認証に戻す。
func (s *Store) failAuth() {
	s.mutate(func() (Event, bool) {
		if s.pending > 0 {
			s.pending--
		}
		if s.pending > 0 || s.state != StateAuthenticating {
			return "", false
		}
		s.state = StateUnauthenticated
		return EventSignInFailed, true
	})
}

// signOut はセッションを破棄して未認証に戻す。
func (s *Store) signOut() {
	s.mutate(func() (Event, bool) {
		if s.session == nil && s.state == StateUnauthenticated {
			return "", false
		}
		s.session = nil
		s.user = nil
		s.state = StateUnauthenticated
		return EventSignedOut, true
	})
}

// expire はセッションがまだoldのままであれば破棄する。
// 期限切れ判定後に別のセッションへ置き換わっていた場合は何もしない。
func (s *Store) expire(old *model.Session) bool {
	applied := false
	s.mutate(func() (Event, bool) {
		if s.session == nil || s.session != old {
			return "", false
		}
		s.session = nil
		s.user = nil
		s.state = StateUnauthenticated
		applied = true
		return EventSessionExpired, true
	})
	return applied
}

// replaceSession はセッションがまだoldのままであればnextに置き換える。
func (s *Store) replaceSession(old, next *model.Session) bool {
	applied := false
	s.mutate(func() (Event, bool) {
		if s.session == nil || s.session != old {
			return "", false
		}
		s.session = next
		if next.User != nil {
			s.user = next.User
		}
		applied = true
		return EventTokenRefreshed, true
	})
	return applied
}

// updateUser は認証済みの場合にキャッシュ済みユーザーを置き換える。
func (s *Store) updateUser(user *model.User) {
	s.mutate(func() (Event, bool) {
		if s.state != StateAuthenticated {
			return "", false
		}
		s.user = user
		return EventUserUpdated, true
	})
}
