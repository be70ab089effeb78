package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/termhive/termhive/internal/auth"
	"github.com/termhive/termhive/internal/database"
	"github.com/termhive/termhive/internal/middleware"
)

// Gateway is set from main.go during init.
var Gateway *auth.Gateway

type userResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

func userToResponse(u *database.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

func Signup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	if body.Username == "" || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email and password are required")
		return
	}
	if !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	taken, err := database.UserExists(body.Username, body.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, "Username or email already exists")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	user := &database.User{
		Username:     body.Username,
		Email:        body.Email,
		PasswordHash: hash,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	token, err := Gateway.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userToResponse(user),
	})
}

func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := database.GetUserByLogin(body.Username)
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := Gateway.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userToResponse(user),
	})
}

func VerifyToken(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"user":  userToResponse(user),
	})
}
