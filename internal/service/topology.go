package service

import (
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// pipeline lists, for each form type, the form types that may be generated
// from it. It is the only place the pipeline shape is defined.
var pipeline = map[repository.FormType][]repository.FormType{
	repository.FormTypeRequisition:     {repository.FormTypeSourcedItem, repository.FormTypeQuotation},
	repository.FormTypeSourcedItem:     {repository.FormTypeReleaseOrder},
	repository.FormTypeQuotation:       {repository.FormTypeReceivingReport},
	repository.FormTypeReceivingReport: {repository.FormTypeReleaseOrder},
	repository.FormTypeReleaseOrder:    {repository.FormTypeTransferReceipt},
	repository.FormTypeTransferReceipt: {repository.FormTypeReleaseQuantity},
}

// parents is the reverse of pipeline.
var parents = func() map[repository.FormType][]repository.FormType {
	out := make(map[repository.FormType][]repository.FormType)
	for parent, children := range pipeline {
		for _, child := range children {
			out[child] = append(out[child], parent)
		}
	}
	return out
}()

// ChildTypes returns the form types that may link to t.
func ChildTypes(t repository.FormType) []repository.FormType {
	return pipeline[t]
}

// ParentTypes returns the form types t may link to.
func ParentTypes(t repository.FormType) []repository.FormType {
	return parents[t]
}

// ValidateLink checks that a child form type may reference parent.
func ValidateLink(child, parent repository.FormType) error {
	for _, c := range pipeline[parent] {
		if c == child {
			return nil
		}
	}
	return wrapf(ErrInvalidLinkage, "%s may not link to %s", child, parent)
}
