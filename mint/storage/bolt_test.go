package storage

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/cashumint/mintd/cashu"
	"github.com/cashumint/mintd/mint/lightning"
)

var (
	db *BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testdbbolt"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestKeysets(t *testing.T) {
	keysets, err := db.GetAllKeysetInfo()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	if len(keysets) != 0 {
		t.Fatalf("expected empty keysets but got '%v'", len(keysets))
	}

	validTo := time.Now().Unix()
	infos := []KeysetInfo{
		{Id: "00aaaaaaaaaaaaaa", ValidFrom: 1700000000, ValidTo: &validTo,
			Secret: "oldsecret", DerivationPath: "0/0/0", MaxOrder: 64},
		{Id: "00bbbbbbbbbbbbbb", ValidFrom: validTo,
			Secret: "newsecret", DerivationPath: "0/0/1", MaxOrder: 64},
	}
	for _, info := range infos {
		if err := db.AddKeyset(info); err != nil {
			t.Fatalf("error saving keyset: %v", err)
		}
	}

	keysets, err = db.GetAllKeysetInfo()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	if len(keysets) != len(infos) {
		t.Fatalf("expected '%v' keysets but got '%v'", len(infos), len(keysets))
	}
	for _, info := range infos {
		if !reflect.DeepEqual(keysets[info.Id], info) {
			t.Fatalf("keyset '%v' from db does not match saved one", info.Id)
		}
	}

	if _, err := db.GetActiveKeyset(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got '%v'", err)
	}

	if err := db.SetActiveKeyset("00bbbbbbbbbbbbbb"); err != nil {
		t.Fatalf("error setting active keyset: %v", err)
	}
	activeId, err := db.GetActiveKeyset()
	if err != nil {
		t.Fatalf("error getting active keyset: %v", err)
	}
	if activeId != "00bbbbbbbbbbbbbb" {
		t.Fatalf("expected active keyset '%v' but got '%v'", "00bbbbbbbbbbbbbb", activeId)
	}
}

func TestLastPayIndex(t *testing.T) {
	payIndex, err := db.GetLastPayIndex()
	if err != nil {
		t.Fatalf("error getting last pay index: %v", err)
	}
	if payIndex != 0 {
		t.Fatalf("expected default last pay index '%v' but got '%v'", 0, payIndex)
	}

	if err := db.SetLastPayIndex(42); err != nil {
		t.Fatalf("error setting last pay index: %v", err)
	}

	payIndex, err = db.GetLastPayIndex()
	if err != nil {
		t.Fatalf("error getting last pay index: %v", err)
	}
	if payIndex != 42 {
		t.Fatalf("expected last pay index '%v' but got '%v'", 42, payIndex)
	}
}

func TestInCirculation(t *testing.T) {
	amount, err := db.GetInCirculation()
	if err != nil {
		t.Fatalf("error getting in circulation: %v", err)
	}
	if amount != 0 {
		t.Fatalf("expected default in circulation '%v' but got '%v'", 0, amount)
	}

	if err := db.SetInCirculation(21000); err != nil {
		t.Fatalf("error setting in circulation: %v", err)
	}

	amount, err = db.GetInCirculation()
	if err != nil {
		t.Fatalf("error getting in circulation: %v", err)
	}
	if amount != 21000 {
		t.Fatalf("expected in circulation '%v' but got '%v'", 21000, amount)
	}
}

func TestInvoices(t *testing.T) {
	invoice := lightning.InvoiceInfo{
		PaymentHash:    "paymenthash1234",
		Hash:           "internalhash1234",
		PaymentRequest: "lnbcrt1000n1...",
		Amount:         1000,
		Status:         lightning.Unpaid,
		TokenStatus:    lightning.NotIssued,
		Memo:           "mint quote",
	}

	if err := db.AddInvoice(invoice); err != nil {
		t.Fatalf("error saving invoice: %v", err)
	}

	storedInvoice, err := db.GetInvoice(invoice.Hash)
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if !reflect.DeepEqual(storedInvoice, invoice) {
		t.Fatal("invoice from db does not match saved one")
	}

	// lookup through the payment hash index
	storedInvoice, err = db.GetInvoiceByPaymentHash(invoice.PaymentHash)
	if err != nil {
		t.Fatalf("error getting invoice by payment hash: %v", err)
	}
	if storedInvoice.Hash != invoice.Hash {
		t.Fatalf("expected invoice hash '%v' but got '%v'", invoice.Hash, storedInvoice.Hash)
	}

	// upsert by hash
	confirmedAt := time.Now().Unix()
	invoice.Status = lightning.Paid
	invoice.ConfirmedAt = &confirmedAt
	if err := db.AddInvoice(invoice); err != nil {
		t.Fatalf("error updating invoice: %v", err)
	}
	storedInvoice, err = db.GetInvoice(invoice.Hash)
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if storedInvoice.Status != lightning.Paid {
		t.Fatalf("expected status '%v' but got '%v'", lightning.Paid, storedInvoice.Status)
	}
	if storedInvoice.ConfirmedAt == nil || *storedInvoice.ConfirmedAt != confirmedAt {
		t.Fatal("confirmed_at was not persisted")
	}

	if _, err := db.GetInvoice("unknownhash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got '%v'", err)
	}
	if _, err := db.GetInvoiceByPaymentHash("unknownpaymenthash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got '%v'", err)
	}
}

func TestUpdateInvoiceStatus(t *testing.T) {
	invoice := lightning.InvoiceInfo{
		PaymentHash:    "paymenthash5678",
		Hash:           "internalhash5678",
		PaymentRequest: "lnbcrt2100n1...",
		Amount:         2100,
		Status:         lightning.Unpaid,
		TokenStatus:    lightning.Issued,
	}
	if err := db.AddInvoice(invoice); err != nil {
		t.Fatalf("error saving invoice: %v", err)
	}

	// only the status fields change; the token status written since the
	// caller read its copy is preserved
	confirmedAt := time.Now().Unix()
	if err := db.UpdateInvoiceStatus(invoice.Hash, lightning.Paid, &confirmedAt); err != nil {
		t.Fatalf("error updating invoice status: %v", err)
	}
	storedInvoice, err := db.GetInvoice(invoice.Hash)
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if storedInvoice.Status != lightning.Paid {
		t.Fatalf("expected status '%v' but got '%v'", lightning.Paid, storedInvoice.Status)
	}
	if storedInvoice.ConfirmedAt == nil || *storedInvoice.ConfirmedAt != confirmedAt {
		t.Fatal("confirmed_at was not persisted")
	}
	if storedInvoice.TokenStatus != lightning.Issued {
		t.Fatalf("expected token status '%v' but got '%v'", lightning.Issued, storedInvoice.TokenStatus)
	}

	// a Paid record never regresses
	if err := db.UpdateInvoiceStatus(invoice.Hash, lightning.Unpaid, nil); err != nil {
		t.Fatalf("error updating invoice status: %v", err)
	}
	storedInvoice, err = db.GetInvoice(invoice.Hash)
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if storedInvoice.Status != lightning.Paid {
		t.Fatalf("expected status '%v' but got '%v'", lightning.Paid, storedInvoice.Status)
	}
	if storedInvoice.ConfirmedAt == nil || *storedInvoice.ConfirmedAt != confirmedAt {
		t.Fatal("confirmed_at should not have changed")
	}

	if err := db.UpdateInvoiceStatus("unknownhash", lightning.Paid, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got '%v'", err)
	}
}

func TestMarkTokensIssued(t *testing.T) {
	invoice := lightning.InvoiceInfo{
		PaymentHash:    "paymenthash9012",
		Hash:           "internalhash9012",
		PaymentRequest: "lnbcrt4200n1...",
		Amount:         4200,
		Status:         lightning.Paid,
		TokenStatus:    lightning.NotIssued,
	}
	if err := db.AddInvoice(invoice); err != nil {
		t.Fatalf("error saving invoice: %v", err)
	}
	if err := db.SetInCirculation(1000); err != nil {
		t.Fatalf("error setting in circulation: %v", err)
	}

	if err := db.MarkTokensIssued(invoice.Hash, 5200); err != nil {
		t.Fatalf("error marking tokens issued: %v", err)
	}

	storedInvoice, err := db.GetInvoice(invoice.Hash)
	if err != nil {
		t.Fatalf("error getting invoice: %v", err)
	}
	if storedInvoice.TokenStatus != lightning.Issued {
		t.Fatalf("expected token status '%v' but got '%v'", lightning.Issued, storedInvoice.TokenStatus)
	}
	amount, err := db.GetInCirculation()
	if err != nil {
		t.Fatalf("error getting in circulation: %v", err)
	}
	if amount != 5200 {
		t.Fatalf("expected in circulation '%v' but got '%v'", 5200, amount)
	}

	if err := db.MarkTokensIssued("unknownhash", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got '%v'", err)
	}
}

func TestUsedProofs(t *testing.T) {
	numProofs := 50
	proofs := generateRandomProofs("00aaaaaaaaaaaaaa", numProofs)

	if err := db.AddUsedProofs(proofs); err != nil {
		t.Fatalf("error saving used proofs: %v", err)
	}

	usedProofs, err := db.GetUsedProofs()
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(usedProofs) != numProofs {
		t.Fatalf("expected '%v' used proofs from db but got '%v'", numProofs, len(usedProofs))
	}

	sortProofs(proofs)
	sortProofs(usedProofs)
	if !reflect.DeepEqual(proofs, usedProofs) {
		t.Fatal("used proofs from db do not match saved ones")
	}

	// saving the same proofs again must not grow the set
	if err := db.AddUsedProofs(proofs[:5]); err != nil {
		t.Fatalf("error saving used proofs: %v", err)
	}
	usedProofs, err = db.GetUsedProofs()
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(usedProofs) != numProofs {
		t.Fatalf("expected '%v' used proofs from db but got '%v'", numProofs, len(usedProofs))
	}
}

func generateRandomProofs(keysetId string, num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)
	for i := 0; i < num; i++ {
		proofs[i] = cashu.Proof{
			Amount: 1,
			Id:     keysetId,
			Secret: fmt.Sprintf("secret-%v-%v", keysetId, i),
			C:      fmt.Sprintf("C-%v", i),
		}
	}
	return proofs
}

func sortProofs(proofs cashu.Proofs) {
	sort.Slice(proofs, func(i, j int) bool {
		return proofs[i].Secret < proofs[j].Secret
	})
}
