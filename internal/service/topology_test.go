package service

import (
	"testing"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

func TestValidateLink(t *testing.T) {
	tests := []struct {
		child, parent repository.FormType
		ok            bool
	}{
		{repository.FormTypeSourcedItem, repository.FormTypeRequisition, true},
		{repository.FormTypeQuotation, repository.FormTypeRequisition, true},
		{repository.FormTypeReceivingReport, repository.FormTypeQuotation, true},
		{repository.FormTypeReleaseOrder, repository.FormTypeReceivingReport, true},
		{repository.FormTypeReleaseOrder, repository.FormTypeSourcedItem, true},
		{repository.FormTypeTransferReceipt, repository.FormTypeReleaseOrder, true},
		{repository.FormTypeReleaseQuantity, repository.FormTypeTransferReceipt, true},

		{repository.FormTypeReceivingReport, repository.FormTypeRequisition, false},
		{repository.FormTypeRequisition, repository.FormTypeQuotation, false},
		{repository.FormTypeQuotation, repository.FormTypeQuotation, false},
		{repository.FormTypeGeneric, repository.FormTypeRequisition, false},
		{repository.FormTypeQuotation, repository.FormTypeGeneric, false},
	}
	for _, tt := range tests {
		err := ValidateLink(tt.child, tt.parent)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.child, tt.parent, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("%s -> %s: expected ErrInvalidLinkage", tt.child, tt.parent)
				continue
			}
			assertIs(t, err, ErrInvalidLinkage)
		}
	}
}

func TestParentTypesMirrorPipeline(t *testing.T) {
	for parent, children := range pipeline {
		for _, child := range children {
			found := false
			for _, p := range ParentTypes(child) {
				if p == parent {
					found = true
				}
			}
			if !found {
				t.Errorf("%s missing parent %s", child, parent)
			}
		}
	}
	if len(ParentTypes(repository.FormTypeRequisition)) != 0 {
		t.Error("requisition must be a pipeline root")
	}
	if len(ParentTypes(repository.FormTypeReleaseOrder)) != 2 {
		t.Errorf("release order parents: %v", ParentTypes(repository.FormTypeReleaseOrder))
	}
}
