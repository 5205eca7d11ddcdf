package mint

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cashumint/mintd/cashu"
)

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

func SetupMintServer(mint *Mint, port string) *MintServer {
	mintServer := &MintServer{mint: mint, logger: mint.logger}
	mintServer.setupHttpServer(port)
	return mintServer
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	return ms.httpServer.ListenAndServe()
}

func (ms *MintServer) Shutdown() error {
	return ms.httpServer.Close()
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/keys", ms.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", ms.handleKeysetKeys).Methods(http.MethodGet)
	r.HandleFunc("/keysets", ms.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/mint", ms.handleRequestMint).Methods(http.MethodGet)
	r.HandleFunc("/mint", ms.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/checkfees", ms.handleCheckFees).Methods(http.MethodPost)
	r.HandleFunc("/split", ms.handleSplit).Methods(http.MethodPost)
	r.HandleFunc("/check", ms.handleCheckSpendable).Methods(http.MethodPost)
	r.HandleFunc("/melt", ms.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/info", ms.handleInfo).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    "127.0.0.1:" + port,
		Handler: r,
	}

	ms.httpServer = server
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response []byte) {
	ms.logger.Info("response", slog.String("method", req.Method),
		slog.String("path", req.URL.Path), slog.Int("code", http.StatusOK))
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	rw.Write(response)
}

// writeErr maps a cashu error to its http status. A not-paid-yet quote
// is not a protocol failure: it is reported with status 200 and the
// error carried in the body.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	code := http.StatusBadRequest

	var cashuErr cashu.Error
	if errors.As(err, &cashuErr) {
		switch cashuErr.Code {
		case cashu.NotFoundErrCode:
			code = http.StatusNotFound
		case cashu.InvoiceNotPaidErrCode:
			code = http.StatusOK
		}
	} else {
		cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	ms.logger.Error("request error", slog.String("method", req.Method),
		slog.String("path", req.URL.Path), slog.String("error", err.Error()))

	responseJson, _ := json.Marshal(cashuErr)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	rw.Write(responseJson)
}

func (ms *MintServer) handleKeys(rw http.ResponseWriter, req *http.Request) {
	publicKeyset := ms.mint.ActiveKeyset().DerivePublic()

	jsonRes, err := json.Marshal(publicKeyset)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleKeysetKeys(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	keyset, ok := ms.mint.keysets[id]
	if !ok {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	jsonRes, err := json.Marshal(keyset.DerivePublic())
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets := map[string][]string{"keysets": ms.mint.KeysetList()}

	jsonRes, err := json.Marshal(keysets)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleRequestMint(rw http.ResponseWriter, req *http.Request) {
	amountStr := req.URL.Query().Get("amount")
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil || amount == 0 {
		ms.writeErr(rw, req, cashu.BuildCashuError("invalid amount", cashu.StandardErrCode))
		return
	}

	response, err := ms.mint.RequestMintQuote(req.Context(), amount)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleMint(rw http.ResponseWriter, req *http.Request) {
	hash := req.URL.Query().Get("hash")
	if hash == "" {
		ms.writeErr(rw, req, cashu.BuildCashuError("hash required", cashu.StandardErrCode))
		return
	}

	var mintRequest cashu.MintRequest
	if err := decodeJsonReqBody(req, &mintRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.MintTokens(req.Context(), hash, mintRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := cashu.PostMintResponse{Promises: blindedSignatures}
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleCheckFees(rw http.ResponseWriter, req *http.Request) {
	var checkFeesRequest cashu.CheckFeesRequest
	if err := decodeJsonReqBody(req, &checkFeesRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	fee, err := ms.mint.CheckFees(checkFeesRequest.Pr)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(cashu.CheckFeesResponse{Fee: fee})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleSplit(rw http.ResponseWriter, req *http.Request) {
	var splitRequest cashu.SplitRequest
	if err := decodeJsonReqBody(req, &splitRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.Split(splitRequest.Proofs, splitRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := cashu.SplitResponse{Promises: blindedSignatures}
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleCheckSpendable(rw http.ResponseWriter, req *http.Request) {
	var checkRequest cashu.CheckSpendableRequest
	if err := decodeJsonReqBody(req, &checkRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	spendable := ms.mint.CheckSpendable(checkRequest.Proofs)
	jsonRes, err := json.Marshal(cashu.CheckSpendableResponse{Spendable: spendable})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest cashu.MeltRequest
	if err := decodeJsonReqBody(req, &meltRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltResponse, err := ms.mint.MeltTokens(req.Context(), meltRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) handleInfo(rw http.ResponseWriter, req *http.Request) {
	info := ms.mint.MintInfo()

	mintInfo := cashu.MintInfo{
		Name:            info.Name,
		Version:         cashu.MintVersion{Name: "mintd", Version: "0.1.0"},
		Description:     info.Description,
		DescriptionLong: info.LongDescription,
		Contact:         info.Contact,
		Motd:            info.Motd,
	}

	jsonRes, err := json.Marshal(mintInfo)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	if req.Body == nil {
		return cashu.EmptyBodyErr
	}

	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return cashu.BuildCashuError("invalid request body", cashu.StandardErrCode)
	}
	return nil
}
