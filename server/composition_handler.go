package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"LoopDeck/cache"
	"LoopDeck/core/timeline"
	"LoopDeck/logger"
	"LoopDeck/model"
	"LoopDeck/storage"

	"github.com/gorilla/mux"
)

// SaveCompositionHandler 保存作品：校验整个文档后整体落库
func (h *APIHandler) SaveCompositionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20)) // 8MB
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	comp, err := timeline.Import(body)
	if err != nil {
		logger.Warn("作品校验失败", logger.ErrorField(err), logger.Int64("user", userID))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.compRepo.Save(userID, comp); err != nil {
		logger.Error("保存作品失败", logger.ErrorField(err), logger.String("composition", comp.ID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if err := cache.InvalidateCompositionList(ctx, userID); err != nil {
		logger.Warn("列表缓存失效失败", logger.ErrorField(err))
	}
	if err := cache.CacheComposition(ctx, comp); err != nil {
		logger.Warn("作品缓存写入失败", logger.ErrorField(err))
	}

	logger.Info("作品保存成功",
		logger.String("composition", comp.ID),
		logger.Int64("user", userID),
		logger.Int("sessions", len(comp.Sessions)))
	writeJSON(w, http.StatusOK, map[string]string{"id": comp.ID})
}

// ListCompositionsHandler 作品列表，优先读缓存
func (h *APIHandler) ListCompositionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	if summaries, ok, err := cache.GetCachedCompositionList(ctx, userID); err == nil && ok {
		writeJSON(w, http.StatusOK, summaries)
		return
	}

	comps, err := h.compRepo.List(userID)
	if err != nil {
		logger.Error("查询作品列表失败", logger.ErrorField(err), logger.Int64("user", userID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	summaries := make([]cache.CompositionSummary, 0, len(comps))
	for _, comp := range comps {
		summaries = append(summaries, cache.CompositionSummary{
			ID:           comp.ID,
			Name:         comp.Name,
			CreatedAt:    comp.CreatedAt,
			TrackCount:   len(comp.Tracks),
			SessionCount: len(comp.Sessions),
			Thumbnail:    comp.Thumbnail,
		})
	}
	if err := cache.CacheCompositionList(ctx, userID, summaries); err != nil {
		logger.Warn("列表缓存写入失败", logger.ErrorField(err))
	}

	writeJSON(w, http.StatusOK, summaries)
}

// loadOwnedComposition 读取作品并校验归属
func (h *APIHandler) loadOwnedComposition(r *http.Request, id string) (*model.Composition, int, error) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		return nil, http.StatusUnauthorized, fmt.Errorf("unauthorized")
	}

	if comp, err := cache.GetCachedComposition(r.Context(), id); err == nil && comp != nil {
		// 缓存命中仍需核对归属
		if _, owner, err := h.compRepo.Load(id); err == nil && owner == userID {
			return comp, http.StatusOK, nil
		}
	}

	comp, owner, err := h.compRepo.Load(id)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if comp == nil {
		return nil, http.StatusNotFound, fmt.Errorf("composition not found: %s", id)
	}
	if owner != userID {
		return nil, http.StatusForbidden, fmt.Errorf("composition belongs to another user")
	}
	return comp, http.StatusOK, nil
}

// GetCompositionHandler 读取单个作品
func (h *APIHandler) GetCompositionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, status, err := h.loadOwnedComposition(r, id)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// DeleteCompositionHandler 删除作品及其缩略图
func (h *APIHandler) DeleteCompositionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := mux.Vars(r)["id"]
	comp, status, err := h.loadOwnedComposition(r, id)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	if err := h.compRepo.Delete(userID, id); err != nil {
		logger.Error("删除作品失败", logger.ErrorField(err), logger.String("composition", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if comp.Thumbnail != "" {
		if err := storage.RemoveThumbnail(ctx, comp.Thumbnail); err != nil {
			logger.Warn("删除缩略图失败", logger.ErrorField(err), logger.String("object", comp.Thumbnail))
		}
	}
	if err := cache.InvalidateComposition(ctx, id); err != nil {
		logger.Warn("作品缓存失效失败", logger.ErrorField(err))
	}
	if err := cache.InvalidateCompositionList(ctx, userID); err != nil {
		logger.Warn("列表缓存失效失败", logger.ErrorField(err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// ExportCompositionHandler 导出作品为可下载的JSON文档
func (h *APIHandler) ExportCompositionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, status, err := h.loadOwnedComposition(r, id)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	data, err := timeline.Export(comp)
	if err != nil {
		logger.Error("导出作品失败", logger.ErrorField(err), logger.String("composition", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	filename := strings.ReplaceAll(comp.Name, "\"", "") + ".json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Write(data)
}

// ImportCompositionHandler 导入作品文档，分配新ID避免覆盖
func (h *APIHandler) ImportCompositionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Missing 'file' in form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, err = io.ReadAll(io.LimitReader(file, 8<<20))
		if err != nil {
			http.Error(w, "Failed to read file", http.StatusBadRequest)
			return
		}
	} else {
		body, err = io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
	}

	comp, err := timeline.Import(body)
	if err != nil {
		logger.Warn("导入作品校验失败", logger.ErrorField(err), logger.Int64("user", userID))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 导入的文档可能与库中已有作品同ID
	if existing, _, err := h.compRepo.Load(comp.ID); err == nil && existing != nil {
		comp.ID = ""
		reassigned, _ := json.Marshal(comp)
		if comp, err = timeline.Import(reassigned); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := h.compRepo.Save(userID, comp); err != nil {
		logger.Error("保存导入作品失败", logger.ErrorField(err), logger.String("composition", comp.ID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := cache.InvalidateCompositionList(r.Context(), userID); err != nil {
		logger.Warn("列表缓存失效失败", logger.ErrorField(err))
	}

	logger.Info("作品导入成功", logger.String("composition", comp.ID), logger.Int64("user", userID))
	writeJSON(w, http.StatusCreated, map[string]string{"id": comp.ID})
}

// UploadThumbnailHandler 上传作品缩略图到对象存储
func (h *APIHandler) UploadThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, status, err := h.loadOwnedComposition(r, id)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("thumbnail")
	if err != nil {
		http.Error(w, "Missing 'thumbnail' in form", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		http.Error(w, "Thumbnail must be an image", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	objectName, err := storage.UploadThumbnail(ctx, comp.ID, header.Filename, contentType, file, header.Size)
	if err != nil {
		logger.Error("上传缩略图失败", logger.ErrorField(err), logger.String("composition", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.compRepo.UpdateThumbnail(comp.ID, objectName); err != nil {
		logger.Error("更新缩略图记录失败", logger.ErrorField(err), logger.String("composition", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := cache.InvalidateComposition(ctx, comp.ID); err != nil {
		logger.Warn("作品缓存失效失败", logger.ErrorField(err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"thumbnail": objectName})
}

// ThumbnailHandler 回源对象存储输出缩略图
func (h *APIHandler) ThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, status, err := h.loadOwnedComposition(r, id)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	if comp.Thumbnail == "" {
		http.Error(w, "No thumbnail", http.StatusNotFound)
		return
	}

	object, err := storage.GetThumbnail(r.Context(), comp.Thumbnail)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer object.Close()

	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, object); err != nil {
		logger.Warn("输出缩略图失败", logger.ErrorField(err), logger.String("object", comp.Thumbnail))
	}
}

// ThumbsFileHandler 按路径直出缩略图对象，公开只读
func (h *APIHandler) ThumbsFileHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/thumbs/")
	if name == "" || strings.Contains(name, "..") {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	object, err := storage.GetThumbnail(r.Context(), "thumbnails/"+name)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer object.Close()

	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, object); err != nil {
		logger.Warn("输出缩略图失败", logger.ErrorField(err), logger.String("object", name))
	}
}
