package kube

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const templateKey = "pod.json"

// Pod templates live in a ConfigMap next to the pod so that a stopped
// sandbox can be started again by a different orchestrator process.
func templateName(pod string) string {
	return pod + "-template"
}

func (r *Runtime) saveTemplate(ctx context.Context, pod *corev1.Pod) error {
	raw, err := json.Marshal(pod)
	if err != nil {
		return fmt.Errorf("encode pod template: %w", err)
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      templateName(pod.Name),
			Namespace: r.opts.Namespace,
			Labels: map[string]string{
				labelPrefix + "template-for": pod.Name,
			},
		},
		Data: map[string]string{templateKey: string(raw)},
	}
	maps := r.client.CoreV1().ConfigMaps(r.opts.Namespace)
	if _, err := maps.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("save pod template: %w", err)
		}
		if _, err := maps.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("update pod template: %w", err)
		}
	}
	r.templates.Store(pod.Name, pod.DeepCopy())
	return nil
}

// loadTemplate returns nil, nil when the pod has no template anywhere.
func (r *Runtime) loadTemplate(ctx context.Context, name string) (*corev1.Pod, error) {
	if tmpl, ok := r.templates.Load(name); ok {
		return tmpl.DeepCopy(), nil
	}
	cm, err := r.client.CoreV1().ConfigMaps(r.opts.Namespace).Get(ctx, templateName(name), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pod template: %w", err)
	}
	var pod corev1.Pod
	if err := json.Unmarshal([]byte(cm.Data[templateKey]), &pod); err != nil {
		return nil, fmt.Errorf("decode pod template %s: %w", name, err)
	}
	r.templates.Store(name, pod.DeepCopy())
	return &pod, nil
}

func (r *Runtime) deleteTemplate(ctx context.Context, name string) error {
	r.templates.Delete(name)
	err := r.client.CoreV1().ConfigMaps(r.opts.Namespace).Delete(ctx, templateName(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod template: %w", err)
	}
	return nil
}
