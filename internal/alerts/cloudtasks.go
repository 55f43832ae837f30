package alerts

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

type taskCreator interface {
	CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error)
}

type tasksClient struct {
	c *cloudtasks.Client
}

func (t tasksClient) CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error) {
	return t.c.CreateTask(ctx, req)
}

// CloudTasksChannel hands webhook delivery to a Google Cloud Tasks queue,
// which owns retries and dead-lettering. Each alert becomes one HTTP task.
type CloudTasksChannel struct {
	client    taskCreator
	closer    func() error
	queuePath string
	targetURL string
	secret    string
}

// NewCloudTasksChannel connects to the queue projects/<p>/locations/<l>/queues/<q>.
func NewCloudTasksChannel(ctx context.Context, projectID, locationID, queueID, targetURL, secret string) (*CloudTasksChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID)
	return &CloudTasksChannel{
		client:    tasksClient{c: client},
		closer:    client.Close,
		queuePath: queuePath,
		targetURL: targetURL,
		secret:    secret,
	}, nil
}

func (c *CloudTasksChannel) Name() string { return "cloudtasks" }

func (c *CloudTasksChannel) Send(ctx context.Context, ev *CloudEvent) error {
	req, err := c.taskRequest(ev)
	if err != nil {
		return err
	}
	if _, err := c.client.CreateTask(ctx, req); err != nil {
		return fmt.Errorf("cloud task enqueue %s: %w", ev.ID, err)
	}
	return nil
}

func (c *CloudTasksChannel) taskRequest(ev *CloudEvent) (*taskspb.CreateTaskRequest, error) {
	payload, err := ev.JSON()
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			// Named tasks are deduplicated by the queue.
			Name: fmt.Sprintf("%s/tasks/%s", c.queuePath, ev.ID),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.targetURL,
					Headers:    webhookHeaders(ev, payload, c.secret),
					Body:       payload,
				},
			},
		},
	}, nil
}

func (c *CloudTasksChannel) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
