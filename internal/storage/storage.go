// Package storage implements a blob storage node served over gRPC.
package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	BaseDir string
}

var _ BlobNodeServer = (*Server)(nil)

func (s *Server) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", status.Errorf(codes.InvalidArgument, "invalid key %q", key)
	}
	return filepath.Join(s.BaseDir, clean), nil
}

func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	filePath, err := s.path(req.Key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create directory: %v", err)
	}
	if err := os.WriteFile(filePath, req.Data, 0644); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to write file: %v", err)
	}
	return &PutResponse{Size: int64(len(req.Data))}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	filePath, err := s.path(req.Key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %s not found", req.Key)
		}
		return nil, status.Errorf(codes.Internal, "failed to read file: %v", err)
	}
	return &GetResponse{Data: data}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	filePath, err := s.path(req.Key)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &DeleteResponse{Existed: false}, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to delete file: %v", err)
	}
	return &DeleteResponse{Existed: true}, nil
}

func (s *Server) Ping(ctx context.Context, _ *PingRequest) (*PingResponse, error) {
	count := 0
	err := filepath.WalkDir(s.BaseDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, status.Errorf(codes.Internal, "failed to scan base dir: %v", err)
	}
	return &PingResponse{BaseDir: s.BaseDir, Blobs: count}, nil
}

// NewGRPCServer returns a gRPC server with the blob node service registered.
func NewGRPCServer(baseDir string) *grpc.Server {
	s := grpc.NewServer(ServerOptions()...)
	RegisterBlobNodeServer(s, &Server{BaseDir: baseDir})
	return s
}
