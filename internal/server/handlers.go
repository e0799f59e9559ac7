package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/specboard/internal/parser"
)

// DocumentResponse carries one raw document.
type DocumentResponse struct {
	Project  string `json:"projectId"`
	Name     string `json:"name,omitempty"`
	Document string `json:"document"`
	Content  string `json:"content"`
}

func projectNotFound(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusNotFound, "project_not_found", "Not Found",
		"No tracked project with id "+c.Params("id"))
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	return c.JSON(s.state.Snapshot())
}

func (s *Server) getProject(c *fiber.Ctx) error {
	p, ok := s.state.Project(c.Params("id"))
	if !ok {
		return projectNotFound(c)
	}
	return c.JSON(p)
}

func (s *Server) listSpecs(c *fiber.Ctx) error {
	p, ok := s.state.Project(c.Params("id"))
	if !ok {
		return projectNotFound(c)
	}
	return c.JSON(p.Specs)
}

func (s *Server) getSpec(c *fiber.Ctx) error {
	p, ok := s.state.Project(c.Params("id"))
	if !ok {
		return projectNotFound(c)
	}
	name := c.Params("name")
	for _, spec := range p.Specs {
		if spec.Name == name {
			return c.JSON(spec)
		}
	}
	return problemResponse(c, fiber.StatusNotFound, "spec_not_found", "Not Found", "No spec named "+name)
}

func (s *Server) listBugs(c *fiber.Ctx) error {
	p, ok := s.state.Project(c.Params("id"))
	if !ok {
		return projectNotFound(c)
	}
	return c.JSON(p.Bugs)
}

func (s *Server) getBug(c *fiber.Ctx) error {
	p, ok := s.state.Project(c.Params("id"))
	if !ok {
		return projectNotFound(c)
	}
	name := c.Params("name")
	for _, bug := range p.Bugs {
		if bug.Name == name {
			return c.JSON(bug)
		}
	}
	return problemResponse(c, fiber.StatusNotFound, "bug_not_found", "Not Found", "No bug named "+name)
}

// getDocument serves the raw text of an allow-listed document. The parser
// rejects any basename outside the allow-list before touching the disk.
func (s *Server) getDocument(kind parser.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, name, doc := c.Params("id"), c.Params("name"), c.Params("doc")
		content, err := s.state.ReadDocument(id, kind, name, doc)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(DocumentResponse{Project: id, Name: name, Document: doc, Content: content})
	}
}

func (s *Server) listActiveSessions(c *fiber.Ctx) error {
	return c.JSON(s.state.ActiveSessions())
}
