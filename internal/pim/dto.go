package pim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/platform/textutil"
)

type localizedTextDTO struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type translationDTO struct {
	Language         string `json:"language"`
	Name             string `json:"name"`
	ShortDescription string `json:"shortDescription"`
	LongDescription  string `json:"longDescription"`
}

type priceDTO struct {
	Amount    float64  `json:"amount"`
	Currency  string   `json:"currency"`
	Quantity  float64  `json:"quantity"`
	SalePrice *float64 `json:"salePrice"`
	OnRequest bool     `json:"onRequest"`
}

type tradeItemDTO struct {
	Code   string     `json:"code"`
	GTIN   string     `json:"gtin"`
	Prices []priceDTO `json:"prices"`
	Stock  *float64   `json:"stock"`
}

type attachmentDTO struct {
	TypeCode string            `json:"typeCode"`
	URL      string            `json:"url"`
	Titles   map[string]string `json:"titles"`
	Captions map[string]string `json:"captions"`
}

type categoryRefDTO struct {
	ID     int64              `json:"id"`
	Name   string             `json:"name"`
	Labels []localizedTextDTO `json:"labels"`
	Parent *categoryRefDTO    `json:"parent"`
}

type codedValueDTO struct {
	Code         string             `json:"code"`
	Descriptions []localizedTextDTO `json:"descriptions"`
}

type unitDTO struct {
	Code          string             `json:"code"`
	Abbreviations []localizedTextDTO `json:"abbreviations"`
	Descriptions  []localizedTextDTO `json:"descriptions"`
}

type featureDTO struct {
	Code          string             `json:"code"`
	Type          string             `json:"type"`
	NotApplicable bool               `json:"notApplicable"`
	Labels        []localizedTextDTO `json:"labels"`
	Value         *codedValueDTO     `json:"value"`
	Values        []codedValueDTO    `json:"values"`
	BoolValue     *bool              `json:"boolValue"`
	NumberValue   *float64           `json:"numberValue"`
	Min           *float64           `json:"min"`
	Max           *float64           `json:"max"`
	Unit          *unitDTO           `json:"unit"`
	Date          string             `json:"date"`
	Texts         []localizedTextDTO `json:"texts"`
}

// featureContainer absorbs the two wire shapes the remote uses for feature
// sets: a plain array of feature objects, or an object keyed by feature
// code. Both decode into one ordered list; downstream code never sees the
// map form. Map entries are ordered by code to keep runs deterministic.
type featureContainer []featureDTO

func (c *featureContainer) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*c = nil
		return nil
	}

	switch trimmed[0] {
	case '[':
		var list []featureDTO
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("feature container: %w", err)
		}
		*c = list
		return nil
	case '{':
		var byCode map[string]featureDTO
		if err := json.Unmarshal(data, &byCode); err != nil {
			return fmt.Errorf("feature container: %w", err)
		}
		codes := make([]string, 0, len(byCode))
		for code := range byCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		list := make([]featureDTO, 0, len(codes))
		for _, code := range codes {
			feature := byCode[code]
			if strings.TrimSpace(feature.Code) == "" {
				feature.Code = code
			}
			list = append(list, feature)
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("feature container: unexpected token %q", trimmed[0])
	}
}

type groupRefDTO struct {
	GroupID  int64 `json:"groupId"`
	Position int   `json:"position"`
}

type productDTO struct {
	ID             int64            `json:"id"`
	ExternalID     string           `json:"externalId"`
	InternalCode   string           `json:"internalCode"`
	SKU            string           `json:"sku"`
	Brand          string           `json:"brand"`
	Translations   []translationDTO `json:"translations"`
	TradeItems     []tradeItemDTO   `json:"tradeItems"`
	Attachments    []attachmentDTO  `json:"attachments"`
	Categories     []categoryRefDTO `json:"categories"`
	Features       featureContainer `json:"features"`
	CustomFeatures featureContainer `json:"customFeatures"`
	Group          *groupRefDTO     `json:"group"`
}

type groupedMemberDTO struct {
	ProductID int64  `json:"productId"`
	SKU       string `json:"sku"`
	Position  int    `json:"position"`
}

type groupedProductDTO struct {
	ID               int64              `json:"id"`
	Code             string             `json:"code"`
	Name             string             `json:"name"`
	Members          []groupedMemberDTO `json:"members"`
	AxisFeatureCodes []string           `json:"variantFeatureCodes"`
}

type brandDTO struct {
	Code   string             `json:"code"`
	Name   string             `json:"name"`
	Labels []localizedTextDTO `json:"labels"`
}

type featureClassDTO struct {
	Code   string             `json:"code"`
	Labels []localizedTextDTO `json:"labels"`
}

func mapLocalizedTexts(items []localizedTextDTO) []domain.LocalizedText {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.LocalizedText, 0, len(items))
	for _, item := range items {
		out = append(out, domain.LocalizedText{
			Language: strings.TrimSpace(item.Language),
			Text:     item.Value,
		})
	}
	return out
}

func mapLanguageMap(values map[string]string) []domain.LocalizedText {
	normalized, languages := textutil.NormalizeLanguageMap(values)
	if len(languages) == 0 {
		return nil
	}
	out := make([]domain.LocalizedText, 0, len(languages))
	for _, lang := range languages {
		out = append(out, domain.LocalizedText{Language: lang, Text: normalized[lang]})
	}
	return out
}

func mapCodedValue(value *codedValueDTO) *domain.CodedValue {
	if value == nil {
		return nil
	}
	return &domain.CodedValue{
		Code:         strings.TrimSpace(value.Code),
		Descriptions: mapLocalizedTexts(value.Descriptions),
	}
}

func mapUnit(unit *unitDTO) *domain.Unit {
	if unit == nil {
		return nil
	}
	return &domain.Unit{
		Code:          strings.TrimSpace(unit.Code),
		Abbreviations: mapLocalizedTexts(unit.Abbreviations),
		Descriptions:  mapLocalizedTexts(unit.Descriptions),
	}
}

func mapFeatures(features featureContainer) []domain.Feature {
	if len(features) == 0 {
		return nil
	}
	out := make([]domain.Feature, 0, len(features))
	for _, f := range features {
		values := make([]domain.CodedValue, 0, len(f.Values))
		for i := range f.Values {
			if mapped := mapCodedValue(&f.Values[i]); mapped != nil {
				values = append(values, *mapped)
			}
		}
		if len(values) == 0 {
			values = nil
		}
		out = append(out, domain.Feature{
			Code:          strings.TrimSpace(f.Code),
			Type:          domain.FeatureType(strings.ToUpper(strings.TrimSpace(f.Type))),
			NotApplicable: f.NotApplicable,
			Labels:        mapLocalizedTexts(f.Labels),
			Value:         mapCodedValue(f.Value),
			Values:        values,
			Bool:          f.BoolValue,
			Number:        f.NumberValue,
			Min:           f.Min,
			Max:           f.Max,
			Unit:          mapUnit(f.Unit),
			Date:          strings.TrimSpace(f.Date),
			Texts:         mapLocalizedTexts(f.Texts),
		})
	}
	return out
}

func mapCategoryRef(ref *categoryRefDTO) *domain.CategoryRef {
	if ref == nil {
		return nil
	}
	return &domain.CategoryRef{
		ID:     ref.ID,
		Name:   strings.TrimSpace(ref.Name),
		Labels: mapLocalizedTexts(ref.Labels),
		Parent: mapCategoryRef(ref.Parent),
	}
}

func attachmentKind(typeCode string) domain.AttachmentKind {
	switch strings.ToLower(strings.TrimSpace(typeCode)) {
	case "image", "picture", "photo", "thumbnail":
		return domain.AttachmentImage
	}
	return domain.AttachmentDocument
}

func mapProduct(dto productDTO) domain.RemoteProduct {
	product := domain.RemoteProduct{
		ID:             dto.ID,
		ExternalID:     strings.TrimSpace(dto.ExternalID),
		InternalCode:   strings.TrimSpace(dto.InternalCode),
		SKU:            strings.TrimSpace(dto.SKU),
		BrandCode:      strings.TrimSpace(dto.Brand),
		Features:       mapFeatures(dto.Features),
		CustomFeatures: mapFeatures(dto.CustomFeatures),
	}

	for _, t := range dto.Translations {
		product.Translations = append(product.Translations, domain.Translation{
			Language:         strings.TrimSpace(t.Language),
			Name:             t.Name,
			ShortDescription: t.ShortDescription,
			LongDescription:  t.LongDescription,
		})
	}

	for _, item := range dto.TradeItems {
		tradeItem := domain.TradeItem{
			Code:  strings.TrimSpace(item.Code),
			GTIN:  strings.TrimSpace(item.GTIN),
			Stock: item.Stock,
		}
		for _, price := range item.Prices {
			tradeItem.Prices = append(tradeItem.Prices, domain.Price{
				Amount:    price.Amount,
				Currency:  strings.TrimSpace(price.Currency),
				Quantity:  price.Quantity,
				SalePrice: price.SalePrice,
				OnRequest: price.OnRequest,
			})
		}
		product.TradeItems = append(product.TradeItems, tradeItem)
	}

	for _, att := range dto.Attachments {
		url := strings.TrimSpace(att.URL)
		if url == "" {
			continue
		}
		product.Attachments = append(product.Attachments, domain.Attachment{
			Kind:     attachmentKind(att.TypeCode),
			TypeCode: strings.TrimSpace(att.TypeCode),
			URL:      url,
			Titles:   mapLanguageMap(att.Titles),
			Captions: mapLanguageMap(att.Captions),
		})
	}

	for i := range dto.Categories {
		if mapped := mapCategoryRef(&dto.Categories[i]); mapped != nil {
			product.Categories = append(product.Categories, *mapped)
		}
	}

	if dto.Group != nil && dto.Group.GroupID != 0 {
		product.Grouped = &domain.GroupedRef{
			GroupID:  dto.Group.GroupID,
			Position: dto.Group.Position,
		}
	}

	return product
}

func mapGroupedProduct(dto groupedProductDTO) domain.RemoteGroupedProduct {
	grouped := domain.RemoteGroupedProduct{
		ID:   dto.ID,
		Code: strings.TrimSpace(dto.Code),
		Name: strings.TrimSpace(dto.Name),
	}
	for _, member := range dto.Members {
		grouped.Members = append(grouped.Members, domain.GroupedMember{
			ProductID: member.ProductID,
			SKU:       strings.TrimSpace(member.SKU),
			Position:  member.Position,
		})
	}
	for _, code := range dto.AxisFeatureCodes {
		if code = strings.TrimSpace(code); code != "" {
			grouped.AxisFeatureCodes = append(grouped.AxisFeatureCodes, code)
		}
	}
	return grouped
}
