// Package manager exposes an operator-only HTTP surface for inspecting
// the mint: circulation, keysets and individual invoice records. All
// routes require a bearer token signed with the manager's JWT secret.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/cashumint/mintd/mint"
)

type Server struct {
	httpServer *http.Server
	mint       *mint.Mint
	jwtSecret  []byte
}

func SetupServer(mint *mint.Mint, port, jwtSecret string) (*Server, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("manager jwt secret cannot be empty")
	}

	server := &Server{
		mint:      mint,
		jwtSecret: []byte(jwtSecret),
	}
	server.setupHttpServer(port)
	return server, nil
}

func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/balance", s.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/keysets", s.getKeysets).Methods(http.MethodGet)
	r.HandleFunc("/invoice/{hash}", s.getInvoice).Methods(http.MethodGet)

	r.Use(setupHeaders)
	r.Use(s.authMiddleware)

	server := &http.Server{
		Addr:    "127.0.0.1:" + port,
		Handler: r,
	}

	s.httpServer = server
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			writeAuthErr(rw, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeAuthErr(rw, "invalid token")
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func writeAuthErr(rw http.ResponseWriter, msg string) {
	rw.WriteHeader(http.StatusUnauthorized)
	response, _ := json.Marshal(map[string]string{"error": msg})
	rw.Write(response)
}

// CreateToken mints an admin bearer token valid for the given duration.
func CreateToken(jwtSecret string, expiry time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "mint-admin",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

type BalanceResponse struct {
	InCirculation uint64 `json:"in_circulation"`
}

func (s *Server) getBalance(rw http.ResponseWriter, req *http.Request) {
	inCirculation, err := s.mint.InCirculation()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		errmsg := fmt.Sprintf("unable to get circulation from db: %v", err)
		rw.Write([]byte(errmsg))
		return
	}

	response, _ := json.Marshal(BalanceResponse{InCirculation: inCirculation})
	rw.Write(response)
}

func (s *Server) getKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets := map[string][]string{"keysets": s.mint.KeysetList()}
	response, _ := json.Marshal(keysets)
	rw.Write(response)
}

func (s *Server) getInvoice(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	hash := vars["hash"]

	invoice, err := s.mint.GetInvoiceInfo(hash)
	if err != nil {
		rw.WriteHeader(http.StatusNotFound)
		response, _ := json.Marshal(map[string]string{"error": "invoice not found"})
		rw.Write(response)
		return
	}

	response, _ := json.Marshal(invoice)
	rw.Write(response)
}
