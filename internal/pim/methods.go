package pim

import (
	"context"
	"time"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

const (
	methodProductList      = "product.list"
	methodProductListDelta = "product.listChanged"
	methodGroupList        = "productGroup.list"
	methodCategoryTree     = "category.tree"
	methodBrandList        = "brand.list"
	methodFeatureClassList = "featureClass.list"
)

type pageParams struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

type deltaParams struct {
	Page          int    `json:"page"`
	PageSize      int    `json:"pageSize"`
	ModifiedSince string `json:"modifiedSince"`
}

type productPage struct {
	Items []productDTO `json:"items"`
	Total int          `json:"total"`
}

type groupedPage struct {
	Items []groupedProductDTO `json:"items"`
	Total int                 `json:"total"`
}

// ListProducts fetches one page of the full product listing. A page shorter
// than pageSize signals end-of-data to the caller.
func (c *Client) ListProducts(ctx context.Context, page, pageSize int) ([]domain.RemoteProduct, error) {
	var result productPage
	if err := c.Call(ctx, methodProductList, pageParams{Page: page, PageSize: pageSize}, &result); err != nil {
		return nil, err
	}
	return mapProducts(result.Items), nil
}

// ListProductsModifiedSince fetches one page of the delta listing used by
// incremental runs.
func (c *Client) ListProductsModifiedSince(ctx context.Context, since time.Time, page, pageSize int) ([]domain.RemoteProduct, error) {
	params := deltaParams{
		Page:          page,
		PageSize:      pageSize,
		ModifiedSince: since.UTC().Format(time.RFC3339),
	}
	var result productPage
	if err := c.Call(ctx, methodProductListDelta, params, &result); err != nil {
		return nil, err
	}
	return mapProducts(result.Items), nil
}

// ListGroupedProducts fetches one page of the grouped-product listing.
func (c *Client) ListGroupedProducts(ctx context.Context, page, pageSize int) ([]domain.RemoteGroupedProduct, error) {
	var result groupedPage
	if err := c.Call(ctx, methodGroupList, pageParams{Page: page, PageSize: pageSize}, &result); err != nil {
		return nil, err
	}
	grouped := make([]domain.RemoteGroupedProduct, 0, len(result.Items))
	for _, item := range result.Items {
		grouped = append(grouped, mapGroupedProduct(item))
	}
	return grouped, nil
}

// ListCategories fetches the full category tree.
func (c *Client) ListCategories(ctx context.Context) ([]domain.CategoryRef, error) {
	var result struct {
		Items []categoryRefDTO `json:"items"`
	}
	if err := c.Call(ctx, methodCategoryTree, nil, &result); err != nil {
		return nil, err
	}
	categories := make([]domain.CategoryRef, 0, len(result.Items))
	for i := range result.Items {
		if mapped := mapCategoryRef(&result.Items[i]); mapped != nil {
			categories = append(categories, *mapped)
		}
	}
	return categories, nil
}

// ListBrands fetches the brand listing.
func (c *Client) ListBrands(ctx context.Context) ([]domain.RemoteBrand, error) {
	var result struct {
		Items []brandDTO `json:"items"`
	}
	if err := c.Call(ctx, methodBrandList, nil, &result); err != nil {
		return nil, err
	}
	brands := make([]domain.RemoteBrand, 0, len(result.Items))
	for _, item := range result.Items {
		brands = append(brands, domain.RemoteBrand{
			Code:   item.Code,
			Name:   item.Name,
			Labels: mapLocalizedTexts(item.Labels),
		})
	}
	return brands, nil
}

// ListFeatureClasses fetches the custom feature class listing.
func (c *Client) ListFeatureClasses(ctx context.Context) ([]domain.RemoteFeatureClass, error) {
	var result struct {
		Items []featureClassDTO `json:"items"`
	}
	if err := c.Call(ctx, methodFeatureClassList, nil, &result); err != nil {
		return nil, err
	}
	classes := make([]domain.RemoteFeatureClass, 0, len(result.Items))
	for _, item := range result.Items {
		classes = append(classes, domain.RemoteFeatureClass{
			Code:   item.Code,
			Labels: mapLocalizedTexts(item.Labels),
		})
	}
	return classes, nil
}

func mapProducts(items []productDTO) []domain.RemoteProduct {
	products := make([]domain.RemoteProduct, 0, len(items))
	for _, item := range items {
		products = append(products, mapProduct(item))
	}
	return products
}
