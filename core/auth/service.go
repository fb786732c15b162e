package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"SynthFM/core/errs"
	"SynthFM/logger"
	"SynthFM/model"
	"SynthFM/repository"
)

// Service registers users and exchanges credentials for tokens.
type Service struct {
	users repository.UserRepository
	auth  *Authenticator
}

func NewService(users repository.UserRepository, auth *Authenticator) *Service {
	return &Service{users: users, auth: auth}
}

// Register creates a user and returns a fresh token for it.
func (s *Service) Register(ctx context.Context, username, email, password string) (string, *model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return "", nil, fmt.Errorf("%w: username, email and password are required", errs.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", nil, fmt.Errorf("%w: invalid email address", errs.ErrInvalidInput)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", nil, err
	}
	user := &model.User{Username: username, Email: email, PasswordHash: hash}
	if err := s.users.CreateUser(ctx, user); err != nil {
		logger.Warn("[Register] 创建用户失败",
			logger.String("username", username),
			logger.ErrorField(err))
		return "", nil, err
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		return "", nil, err
	}
	logger.Info("[Register] 用户注册成功",
		logger.Int64("userId", user.ID),
		logger.String("username", user.Username))
	return token, user, nil
}

// Login verifies the credentials and returns a token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *model.User, error) {
	if username == "" || password == "" {
		return "", nil, fmt.Errorf("%w: username and password are required", errs.ErrInvalidInput)
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if user == nil {
		CheckPasswordHash(password, dummyHash)
		return "", nil, fmt.Errorf("%w: invalid username or password", errs.ErrUnauthorized)
	}
	if !CheckPasswordHash(password, user.PasswordHash) {
		logger.Warn("[Login] 密码错误", logger.String("username", username))
		return "", nil, fmt.Errorf("%w: invalid username or password", errs.ErrUnauthorized)
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		return "", nil, err
	}
	logger.Info("[Login] 用户登录成功", logger.Int64("userId", user.ID))
	return token, user, nil
}

// Authenticate resolves a bearer token to its user. A token for a deleted
// user is rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (*model.User, error) {
	claims, err := s.auth.ParseToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: unknown user", errs.ErrUnauthorized)
	}
	return user, nil
}
