package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"timecapsule/backend/internal/auth"
	jwtpkg "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/logger"
	"timecapsule/backend/internal/storage/backend"
)

// 公开注册接口只能创建普通用户，管理员账号通过此命令写入配置的存储。
func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: create-admin <email> <password> <username>")
		os.Exit(1)
	}

	email := os.Args[1]
	password := os.Args[2]
	username := os.Args[3]

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: "warn", Development: cfg.Log.Development})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !backend.IsPersistent(cfg.Database) {
		fmt.Println("Database type is not configured; set TIMECAPSULE_DATABASE_TYPE and TIMECAPSULE_DATABASE_DSN")
		os.Exit(1)
	}

	store, err := backend.Open(ctx, cfg.Database, log)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	tokens := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)
	authService := auth.NewService(store, tokens, log)

	user, err := authService.CreateAdmin(ctx, auth.RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
	})
	switch {
	case errors.Is(err, auth.ErrEmailExists):
		fmt.Println("Email is already registered")
		os.Exit(1)
	case errors.Is(err, auth.ErrUsernameExists):
		fmt.Println("Username is already taken")
		os.Exit(1)
	case err != nil:
		fmt.Printf("Failed to create admin: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Admin user created successfully!\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Role:     %s\n", user.Role)
}
