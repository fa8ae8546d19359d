package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadStoresFilesFlattened(t *testing.T) {
	s := newTestServer(t, &scriptedCaller{})

	body, contentType := multipartBody(t, map[string][]byte{
		"queries/reports/monthly.sql": []byte("SELECT * FROM sales;"),
		"schema.ddl":                  []byte("CREATE TABLE t (id INT);"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upload/chat-42", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 2)
	assert.Equal(t, filepath.Join(s.cfg.UploadDir, "chat-42"), resp.UploadDir)

	names := map[string]string{}
	for _, f := range resp.Files {
		names[f.Name] = f.Preview
	}
	assert.Contains(t, names, "monthly.sql", "folder structure is flattened")
	assert.Contains(t, names, "schema.ddl")
	assert.Equal(t, "SELECT * FROM sales;", names["monthly.sql"])

	onDisk, err := os.ReadFile(filepath.Join(resp.UploadDir, "monthly.sql"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM sales;", string(onDisk))
}

func TestUploadMarksBinaryContent(t *testing.T) {
	s := newTestServer(t, &scriptedCaller{})

	body, contentType := multipartBody(t, map[string][]byte{
		"dump.bin": {0xff, 0xfe, 0x01, 0x80},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upload/chat-7", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 1)
	assert.Equal(t, binaryPreview, resp.Files[0].Preview)
	assert.Equal(t, int64(4), resp.Files[0].Size)
}

func TestUploadWithoutFilesReturns400(t *testing.T) {
	s := newTestServer(t, &scriptedCaller{})

	body, contentType := multipartBody(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload/chat-9", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no files")
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	s := newTestServer(t, &scriptedCaller{})

	req := httptest.NewRequest(http.MethodPost, "/api/upload/chat-9", bytes.NewReader([]byte("plain")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
