package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/meridian-commerce/pimsync/internal/domain"
	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
)

const (
	attributeAxesCollection = "attributeAxes"
	axisTermsCollection     = "axisTerms"
)

type attributeAxisDocument struct {
	FamilyID      string   `firestore:"familyId"`
	Code          string   `firestore:"code"`
	Name          string   `firestore:"name"`
	Generic       bool     `firestore:"generic"`
	OptionTermIDs []string `firestore:"optionTermIds,omitempty"`
}

type axisTermDocument struct {
	AxisID string `firestore:"axisId"`
	Value  string `firestore:"value"`
}

// AttributeRepository persists variant axes and their selectable terms in
// two Firestore collections.
type AttributeRepository struct {
	axes  *pfirestore.BaseRepository[domain.AttributeAxis]
	terms *pfirestore.BaseRepository[domain.AxisTerm]
}

// NewAttributeRepository constructs a Firestore-backed attribute repository.
func NewAttributeRepository(provider *pfirestore.Provider) (*AttributeRepository, error) {
	if provider == nil {
		return nil, errors.New("attribute repository: firestore provider is required")
	}

	axisEncoder := func(_ context.Context, value domain.AttributeAxis) (any, error) {
		return attributeAxisDocument{
			FamilyID:      value.FamilyID,
			Code:          value.Code,
			Name:          value.Name,
			Generic:       value.Generic,
			OptionTermIDs: value.OptionTermIDs,
		}, nil
	}
	axisDecoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.AttributeAxis, error) {
		var doc attributeAxisDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.AttributeAxis{}, err
		}
		return domain.AttributeAxis{
			ID:            snap.Ref.ID,
			FamilyID:      doc.FamilyID,
			Code:          doc.Code,
			Name:          doc.Name,
			Generic:       doc.Generic,
			OptionTermIDs: doc.OptionTermIDs,
		}, nil
	}

	termEncoder := func(_ context.Context, value domain.AxisTerm) (any, error) {
		return axisTermDocument{AxisID: value.AxisID, Value: value.Value}, nil
	}
	termDecoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.AxisTerm, error) {
		var doc axisTermDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.AxisTerm{}, err
		}
		return domain.AxisTerm{
			ID:     snap.Ref.ID,
			AxisID: doc.AxisID,
			Value:  doc.Value,
		}, nil
	}

	return &AttributeRepository{
		axes:  pfirestore.NewBaseRepository[domain.AttributeAxis](provider, attributeAxesCollection, axisEncoder, axisDecoder),
		terms: pfirestore.NewBaseRepository[domain.AxisTerm](provider, axisTermsCollection, termEncoder, termDecoder),
	}, nil
}

// FindAxis looks up the axis of a family by code.
func (r *AttributeRepository) FindAxis(ctx context.Context, familyID, code string) (domain.AttributeAxis, error) {
	if r == nil || r.axes == nil {
		return domain.AttributeAxis{}, errors.New("attribute repository not initialised")
	}
	docs, err := r.axes.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("familyId", "==", familyID).Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.AttributeAxis{}, wrapStoreError("attributes.findAxis", err)
	}
	if len(docs) == 0 {
		return domain.AttributeAxis{}, missingError("attributes.findAxis")
	}
	return docs[0].Data, nil
}

// InsertAxis creates an axis document.
func (r *AttributeRepository) InsertAxis(ctx context.Context, axis domain.AttributeAxis) (domain.AttributeAxis, error) {
	if r == nil || r.axes == nil {
		return domain.AttributeAxis{}, errors.New("attribute repository not initialised")
	}
	if strings.TrimSpace(axis.ID) == "" {
		axis.ID = ulid.Make().String()
	}
	docRef, err := r.axes.DocumentRef(ctx, axis.ID)
	if err != nil {
		return domain.AttributeAxis{}, wrapStoreError("attributes.insertAxis", err)
	}
	payload := attributeAxisDocument{
		FamilyID:      axis.FamilyID,
		Code:          axis.Code,
		Name:          axis.Name,
		Generic:       axis.Generic,
		OptionTermIDs: axis.OptionTermIDs,
	}
	if _, err := docRef.Create(ctx, payload); err != nil {
		return domain.AttributeAxis{}, wrapStoreError("attributes.insertAxis", pfirestore.WrapError("attributes.insertAxis", err))
	}
	return axis, nil
}

// AddAxisOptions registers term IDs in the axis option set. Firestore's
// array union keeps the operation idempotent.
func (r *AttributeRepository) AddAxisOptions(ctx context.Context, axisID string, termIDs []string) error {
	if r == nil || r.axes == nil {
		return errors.New("attribute repository not initialised")
	}
	if len(termIDs) == 0 {
		return nil
	}
	values := make([]any, 0, len(termIDs))
	for _, id := range termIDs {
		values = append(values, id)
	}
	_, err := r.axes.Update(ctx, axisID, []firestore.Update{
		{Path: "optionTermIds", Value: firestore.ArrayUnion(values...)},
	})
	if err != nil {
		return wrapStoreError("attributes.addAxisOptions", err)
	}
	return nil
}

// FindTerm looks up a selectable value under an axis.
func (r *AttributeRepository) FindTerm(ctx context.Context, axisID, value string) (domain.AxisTerm, error) {
	if r == nil || r.terms == nil {
		return domain.AxisTerm{}, errors.New("attribute repository not initialised")
	}
	docs, err := r.terms.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("axisId", "==", axisID).Where("value", "==", value).Limit(1)
	})
	if err != nil {
		return domain.AxisTerm{}, wrapStoreError("attributes.findTerm", err)
	}
	if len(docs) == 0 {
		return domain.AxisTerm{}, missingError("attributes.findTerm")
	}
	return docs[0].Data, nil
}

// InsertTerm creates an axis term document.
func (r *AttributeRepository) InsertTerm(ctx context.Context, term domain.AxisTerm) (domain.AxisTerm, error) {
	if r == nil || r.terms == nil {
		return domain.AxisTerm{}, errors.New("attribute repository not initialised")
	}
	if strings.TrimSpace(term.ID) == "" {
		term.ID = ulid.Make().String()
	}
	docRef, err := r.terms.DocumentRef(ctx, term.ID)
	if err != nil {
		return domain.AxisTerm{}, wrapStoreError("attributes.insertTerm", err)
	}
	payload := axisTermDocument{AxisID: term.AxisID, Value: term.Value}
	if _, err := docRef.Create(ctx, payload); err != nil {
		return domain.AxisTerm{}, wrapStoreError("attributes.insertTerm", pfirestore.WrapError("attributes.insertTerm", err))
	}
	return term, nil
}
