package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
)

// openPostgres connects to PROC_TEST_DATABASE_URL and applies migrations.
// Tests using it are skipped when the variable is unset.
func openPostgres(t *testing.T) (*PostgresStore, *database.DB) {
	t.Helper()
	url := os.Getenv("PROC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PROC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db := database.NewFromPool(pool, 5)
	t.Cleanup(db.Close)

	if _, err := db.ApplyMigrations(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresStore(db), db
}

type seededForm struct {
	formID, itemField, qtyField, signerID string
}

func seedRequisitionForm(t *testing.T, db *database.DB) seededForm {
	t.Helper()
	ctx := context.Background()
	s := seededForm{
		formID:    uuid.NewString(),
		itemField: uuid.NewString(),
		qtyField:  uuid.NewString(),
		signerID:  uuid.NewString(),
	}
	sectionID := uuid.NewString()

	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO forms (id, team_id, name, form_type) VALUES ($1, 'team-1', 'Requisition', $2)`,
			[]any{s.formID, string(FormTypeRequisition)}},
		{`INSERT INTO form_sections (id, form_id, name, section_order, is_duplicatable) VALUES ($1, $2, 'Items', 1, TRUE)`,
			[]any{sectionID, s.formID}},
		{`INSERT INTO form_fields (id, section_id, label, field_kind, field_role, field_order, is_required) VALUES ($1, $2, 'Quantity', $3, $4, 2, TRUE)`,
			[]any{s.qtyField, sectionID, string(FieldKindNumber), string(FieldRoleQuantity)}},
		{`INSERT INTO form_fields (id, section_id, label, field_kind, field_role, field_order, is_required) VALUES ($1, $2, 'Item', $3, $4, 1, TRUE)`,
			[]any{s.itemField, sectionID, string(FieldKindText), string(FieldRoleItem)}},
		{`INSERT INTO signers (id, form_id, member_id, signer_order, is_primary) VALUES ($1, $2, 'member-approver', 1, TRUE)`,
			[]any{s.signerID, s.formID}},
	}
	for _, st := range stmts {
		if _, err := db.Exec(ctx, st.sql, st.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func TestPostgresStore_FormsOrdered(t *testing.T) {
	store, db := openPostgres(t)
	seed := seedRequisitionForm(t, db)

	form, err := store.Forms().GetByID(context.Background(), seed.formID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(form.Sections) != 1 || len(form.Sections[0].Fields) != 2 {
		t.Fatalf("unexpected form shape: %+v", form)
	}
	if form.Sections[0].Fields[0].ID != seed.itemField {
		t.Errorf("expected fields in field order")
	}
}

func TestPostgresStore_RequestLifecycle(t *testing.T) {
	store, db := openPostgres(t)
	seed := seedRequisitionForm(t, db)
	ctx := context.Background()
	group := "g1"

	var req *Request
	var assignmentID string
	err := store.InTransaction(ctx, Serializable, func(tx Tx) error {
		req = &Request{FormID: seed.formID, OwnerID: "member-owner", Status: RequestStatusPending}
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		if err := tx.LockClaim(ctx, req.ID, "cement"); err != nil {
			return err
		}
		if err := tx.Responses().Replace(ctx, req.ID, []*FieldResponse{
			{FieldID: seed.itemField, Value: "Cement", GroupID: &group},
			{FieldID: seed.qtyField, Value: "10", GroupID: &group},
		}); err != nil {
			return err
		}
		assignments := []*Assignment{{SignerID: seed.signerID, MemberID: "member-approver", Order: 1, IsPrimary: true, Status: AssignmentStatusPending}}
		if err := tx.Assignments().Replace(ctx, req.ID, assignments); err != nil {
			return err
		}
		assignmentID = assignments[0].ID
		return tx.Audit().Append(ctx, &AuditEntry{
			RequestID: req.ID, Action: AuditActionSubmitted, PerformedBy: "member-owner",
			Metadata: map[string]any{"signers": 1},
		})
	})
	if err != nil {
		t.Fatalf("submit tx failed: %v", err)
	}

	err = store.InTransaction(ctx, Serializable, func(tx Tx) error {
		got, err := tx.Requests().GetByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if got.FormType != FormTypeRequisition {
			t.Errorf("expected form type from join, got %s", got.FormType)
		}

		rec := DecisionRecord{ActedBy: "member-approver"}
		ok, err := tx.Assignments().CompareAndSetStatus(ctx, assignmentID, AssignmentStatusPending, AssignmentStatusApproved, rec)
		if err != nil || !ok {
			t.Fatalf("first CAS: ok=%v err=%v", ok, err)
		}
		ok, err = tx.Assignments().CompareAndSetStatus(ctx, assignmentID, AssignmentStatusPending, AssignmentStatusRejected, rec)
		if err != nil || ok {
			t.Fatalf("second CAS must not apply: ok=%v err=%v", ok, err)
		}

		found, err := tx.Responses().FindByValue(ctx, FormTypeRequisition, FieldRoleItem, "Cement")
		if err != nil {
			return err
		}
		if len(found) == 0 || found[len(found)-1].RequestID == "" {
			t.Errorf("expected FindByValue to see the response")
		}

		entries, err := tx.Audit().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if len(entries) != 1 || entries[0].Metadata["signers"] != float64(1) {
			t.Errorf("unexpected audit entries: %+v", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("decision tx failed: %v", err)
	}
}

func TestPostgresStore_AuditIsAppendOnly(t *testing.T) {
	store, db := openPostgres(t)
	seed := seedRequisitionForm(t, db)
	ctx := context.Background()

	var reqID string
	if err := store.InTransaction(ctx, ReadCommitted, func(tx Tx) error {
		req := &Request{FormID: seed.formID, OwnerID: "member-owner", Status: RequestStatusPending}
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		reqID = req.ID
		return tx.Audit().Append(ctx, &AuditEntry{RequestID: req.ID, Action: AuditActionSubmitted, PerformedBy: "member-owner"})
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(ctx, `UPDATE request_audit_log SET action = 'edited' WHERE request_id = $1`, reqID); err == nil {
		t.Fatal("expected the audit trigger to reject updates")
	}
}
