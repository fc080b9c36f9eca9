package user

import (
	"context"
	"sync"

	"consulthub-session-svc/src/internal/config"

	"github.com/sirupsen/logrus"
)

type Service interface {
	GetByID(ctx context.Context, userID string) (*User, error)
	ListAdvisors(ctx context.Context) ([]*User, error)
	ToggleAvailability(ctx context.Context, userID, kind string, online bool) (*User, error)
	SetAvailability(ctx context.Context, userID string, av Availability) error
	SavePushToken(ctx context.Context, userID, token string) error
	UpdateLastSeen(ctx context.Context, userID string) error
	DebitWallet(ctx context.Context, userID string, amount float64) (float64, error)
	CreditEarnings(ctx context.Context, userID string, amount float64) (*User, error)
}

type userService struct {
	userRepository Repository
	cfg            *config.Configuration

	// walletLocks serializes wallet read-modify-write per user id. Two
	// sessions billing against the same wallet go through here one at a time.
	mu          sync.Mutex
	walletLocks map[string]*sync.Mutex
}

func NewUserService(userRepository Repository, cfg *config.Configuration) Service {
	return &userService{
		userRepository: userRepository,
		cfg:            cfg,
		walletLocks:    make(map[string]*sync.Mutex),
	}
}

func (s *userService) walletLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.walletLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.walletLocks[userID] = lock
	}
	return lock
}

func (s *userService) GetByID(ctx context.Context, userID string) (*User, error) {
	return s.userRepository.GetByID(ctx, userID)
}

func (s *userService) ListAdvisors(ctx context.Context) ([]*User, error) {
	return s.userRepository.ListAdvisors(ctx)
}

func (s *userService) ToggleAvailability(ctx context.Context, userID, kind string, online bool) (*User, error) {
	u, err := s.userRepository.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	av := u.Availability()
	switch kind {
	case "chat":
		av.Chat = online
	case "audio":
		av.Audio = online
	case "video":
		av.Video = online
	}

	if err := s.userRepository.SetAvailability(ctx, userID, av); err != nil {
		return nil, err
	}

	u.IsChatOnline = av.Chat
	u.IsAudioOnline = av.Audio
	u.IsVideoOnline = av.Video
	u.IsOnline = av.Any()
	u.IsAvailable = av.Any()

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"kind":    kind,
		"online":  online,
	}).Info("Availability toggled")

	return u, nil
}

func (s *userService) SetAvailability(ctx context.Context, userID string, av Availability) error {
	return s.userRepository.SetAvailability(ctx, userID, av)
}

func (s *userService) SavePushToken(ctx context.Context, userID, token string) error {
	return s.userRepository.SavePushToken(ctx, userID, token)
}

func (s *userService) UpdateLastSeen(ctx context.Context, userID string) error {
	return s.userRepository.UpdateLastSeen(ctx, userID)
}

func (s *userService) DebitWallet(ctx context.Context, userID string, amount float64) (float64, error) {
	lock := s.walletLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return s.userRepository.DebitWallet(ctx, userID, amount)
}

func (s *userService) CreditEarnings(ctx context.Context, userID string, amount float64) (*User, error) {
	lock := s.walletLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return s.userRepository.CreditEarnings(ctx, userID, amount)
}
